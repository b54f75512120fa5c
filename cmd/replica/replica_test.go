package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/drive"
	"github.com/sidkik/sharedfs/pkg/peer"
	"github.com/sidkik/sharedfs/pkg/signaling"
)

func TestReadFromPeers(t *testing.T) {
	server := httptest.NewServer(signaling.NewServer())
	defer server.Close()

	cfg := drive.Config{
		Room:      "replica-test",
		Signaling: []string{"ws" + strings.TrimPrefix(server.URL, "http")},
		Password:  "secret",
	}

	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sub", 0755))
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hello"), 0644))

	host := drive.New(cfg)
	defer host.Dispose()
	require.NoError(t, host.BindRoot(ctx, fs))
	require.NoError(t, host.Walk(ctx))

	client := drive.New(cfg)
	defer client.Dispose()

	out := bytes.NewBuffer(nil)
	stdout = out
	require.NoError(t, read(ctx, clockwork.NewRealClock(), client, "/", 10*time.Second))

	var listing struct {
		Type    contents.Type    `json:"type"`
		Content []contents.Model `json:"content"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &listing))
	assert.Equal(t, contents.TypeDirectory, listing.Type)
	require.Len(t, listing.Content, 2)
	assert.Equal(t, "a.txt", listing.Content[0].Name)
	assert.Equal(t, "sub", listing.Content[1].Name)
}

func TestReadDisposed(t *testing.T) {
	d := drive.New(drive.Config{})
	d.Dispose()
	assert.Error(t, read(context.Background(), clockwork.NewRealClock(), d, "/", time.Second))
}

type noopSession struct{}

func (noopSession) Destroy() {}

func TestReadWaitsForPeers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := drive.New(drive.Config{
		Clock: clock,
		NewSession: func(context.Context, *crdt.Doc, peer.Options) (drive.Session, error) {
			return noopSession{}, nil
		},
	})
	defer d.Dispose()

	out := bytes.NewBuffer(nil)
	stdout = out

	errs := make(chan error, 1)
	go func() {
		errs <- read(context.Background(), clock, d, "/", 5*time.Second)
	}()

	// Nothing is printed until the wait elapses.
	clock.BlockUntil(2)
	select {
	case err := <-errs:
		t.Fatalf("read returned early: %v", err)
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read didn't return")
	}

	var record contents.Model
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, contents.TypeDirectory, record.Type)
}
