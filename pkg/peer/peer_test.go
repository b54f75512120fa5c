package peer

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/signaling"
)

func TestConnLimitPick(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tests := []ConnLimit{
		DefaultConnLimit,
		{Base: 5, Jitter: 0},
		{Base: 1, Jitter: 1},
		{Base: 0, Jitter: 3},
	}

	for _, limit := range tests {
		seen := map[int]bool{}
		for i := 0; i < 1000; i++ {
			n := limit.Pick(r)
			assert.True(t, n >= limit.Base && n <= limit.Base+limit.Jitter,
				"%d out of bounds for %+v", n, limit)
			seen[n] = true
		}
		// Every value in the range comes up eventually.
		assert.Len(t, seen, limit.Jitter+1)
	}
}

func TestSealOpen(t *testing.T) {
	key := deriveKey("secret", "room")
	assert.Len(t, key, 32)
	assert.Equal(t, key, deriveKey("secret", "room"))
	assert.NotEqual(t, key, deriveKey("secret", "other room"))

	sealed, err := seal(key, []byte("hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hello")

	plaintext, err := open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))

	_, err = open(deriveKey("wrong", "room"), sealed)
	assert.Error(t, err)

	_, err = open(key, []byte("short"))
	assert.Error(t, err)
}

func TestWrapUnwrap(t *testing.T) {
	update := crdt.Update{Ops: []crdt.Op{{Key: "k", Kind: crdt.KindDelete}}}
	msg := roomMessage{Type: msgUpdate, To: "peer", Update: &update}
	key := deriveKey("secret", "room")

	tests := []struct {
		name      string
		sealWith  []byte
		openWith  []byte
		expError  bool
		expSealed bool
	}{
		{name: "Plain"},
		{name: "Sealed", sealWith: key, openWith: key, expSealed: true},
		{name: "WrongPassword", sealWith: key, openWith: deriveKey("wrong", "room"),
			expError: true, expSealed: true},
		{name: "MissingPassword", sealWith: key, expError: true, expSealed: true},
		{name: "UnexpectedPlain", openWith: key, expError: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			raw, err := wrap("me", test.sealWith, msg)
			require.NoError(t, err)

			var env envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			assert.Equal(t, "me", env.From)
			assert.Equal(t, test.expSealed, env.Sealed != "")

			parsed, err := unwrap(env, test.openWith)
			if test.expError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, msg, parsed)
		})
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, compatible(ProtocolVersion))
	assert.True(t, compatible("1.4.2"))
	assert.False(t, compatible("2.0.0"))
	assert.False(t, compatible("0.9.0"))
	assert.False(t, compatible("garbage"))
	assert.False(t, compatible(""))
}

func TestAwareness(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := NewAwareness(clock)

	a.apply("alice", 2, json.RawMessage(`{"name":"alice"}`))
	a.apply("alice", 1, json.RawMessage(`{"name":"stale"}`))
	a.apply("bob", 1, json.RawMessage(`{"name":"bob"}`))
	assert.Equal(t, map[string]json.RawMessage{
		"alice": json.RawMessage(`{"name":"alice"}`),
		"bob":   json.RawMessage(`{"name":"bob"}`),
	}, a.States())

	// Bob refreshes his state, alice doesn't.
	clock.Advance(20 * time.Second)
	a.apply("bob", 1, json.RawMessage(`{"name":"bob"}`))
	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"alice"}, a.expire())
	assert.Len(t, a.States(), 1)

	a.apply("bob", 2, json.RawMessage(`null`))
	assert.Empty(t, a.States())

	require.NoError(t, a.SetLocalState(map[string]string{"name": "me"}))
	state, localClock := a.local()
	assert.JSONEq(t, `{"name":"me"}`, string(state))
	assert.Equal(t, uint64(1), localClock)
	assert.Len(t, a.changed, 1)
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect(context.Background(), crdt.NewDoc(), Options{Signaling: []string{"ws://x"}})
	assert.Error(t, err)

	_, err = Connect(context.Background(), crdt.NewDoc(), Options{Room: "room"})
	assert.Error(t, err)
}

func signalingURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSessionsConverge(t *testing.T) {
	server := httptest.NewServer(signaling.NewServer())
	defer server.Close()

	for _, password := range []string{"", "secret"} {
		password := password
		t.Run("Password="+password, func(t *testing.T) {
			ctx := context.Background()
			a, b := crdt.NewDoc(), crdt.NewDoc()
			require.NoError(t, a.GetMap("root").Set("from-a", "a"))

			opts := Options{
				Room:          "room-" + password,
				Signaling:     []string{signalingURL(server)},
				Password:      password,
				FilterBcConns: true,
			}
			sa, err := Connect(ctx, a, opts)
			require.NoError(t, err)
			defer sa.Destroy()

			sb, err := Connect(ctx, b, opts)
			require.NoError(t, err)
			defer sb.Destroy()

			assert.Eventually(t, func() bool {
				return b.GetMap("root").Has("from-a")
			}, 5*time.Second, 10*time.Millisecond)

			require.NoError(t, b.GetMap("root").Set("from-b", "b"))
			assert.Eventually(t, func() bool {
				return a.GetMap("root").Has("from-b")
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, a.ToJSON(), b.ToJSON())

			assert.Eventually(t, func() bool {
				return assert.ObjectsAreEqual([]string{sb.ID()}, sa.Peers()) &&
					assert.ObjectsAreEqual([]string{sa.ID()}, sb.Peers())
			}, 5*time.Second, 10*time.Millisecond)

			require.NoError(t, sa.Awareness().SetLocalState(map[string]string{"name": "alice"}))
			assert.Eventually(t, func() bool {
				state, ok := sb.Awareness().States()[sa.ID()]
				return ok && string(state) == `{"name":"alice"}`
			}, 5*time.Second, 10*time.Millisecond)

			sa.Destroy()
			sa.Destroy()
			assert.True(t, sa.IsDestroyed())
			assert.Eventually(t, func() bool {
				return len(sb.Peers()) == 0
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestWrongPasswordDoesNotReplicate(t *testing.T) {
	server := httptest.NewServer(signaling.NewServer())
	defer server.Close()

	ctx := context.Background()
	a, b, c := crdt.NewDoc(), crdt.NewDoc(), crdt.NewDoc()
	require.NoError(t, a.GetMap("root").Set("secret", "value"))

	opts := Options{Room: "room", Signaling: []string{signalingURL(server)}, Password: "right"}
	sa, err := Connect(ctx, a, opts)
	require.NoError(t, err)
	defer sa.Destroy()

	opts.Password = "wrong"
	sc, err := Connect(ctx, c, opts)
	require.NoError(t, err)
	defer sc.Destroy()

	// b has the right password, so once it has the data, c had every chance
	// to see it too.
	opts.Password = "right"
	sb, err := Connect(ctx, b, opts)
	require.NoError(t, err)
	defer sb.Destroy()

	assert.Eventually(t, func() bool {
		return b.GetMap("root").Has("secret")
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.GetMap("root").Has("secret"))
	assert.Empty(t, sc.Peers())
}

func TestMaxConns(t *testing.T) {
	server := httptest.NewServer(signaling.NewServer())
	defer server.Close()

	ctx := context.Background()
	opts := Options{Room: "room", Signaling: []string{signalingURL(server)}, MaxConns: 1}

	hub, err := Connect(ctx, crdt.NewDoc(), opts)
	require.NoError(t, err)
	defer hub.Destroy()
	assert.Equal(t, 1, hub.MaxConns())

	for i := 0; i < 3; i++ {
		s, err := Connect(ctx, crdt.NewDoc(), opts)
		require.NoError(t, err)
		defer s.Destroy()
	}

	assert.Eventually(t, func() bool {
		return len(hub.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(hub.Peers()) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSessionOutlivesConnectContext(t *testing.T) {
	server := httptest.NewServer(signaling.NewServer())
	defer server.Close()

	opts := Options{
		Room:          "outlives",
		Signaling:     []string{signalingURL(server)},
		FilterBcConns: true,
	}

	a, b := crdt.NewDoc(), crdt.NewDoc()
	ctx, cancel := context.WithCancel(context.Background())
	sa, err := Connect(ctx, a, opts)
	require.NoError(t, err)
	defer sa.Destroy()
	cancel()

	sb, err := Connect(context.Background(), b, opts)
	require.NoError(t, err)
	defer sb.Destroy()

	require.NoError(t, a.GetMap("root").Set("k", "v"))
	assert.Eventually(t, func() bool {
		return b.GetMap("root").Has("k")
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, sa.IsDestroyed())

	_, err = Connect(ctx, crdt.NewDoc(), opts)
	assert.Equal(t, context.Canceled, err)
}
