package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// awarenessTimeout is how long a peer's state is kept without a refresh.
const awarenessTimeout = 30 * time.Second

// Awareness holds the ephemeral state of the participants of a room, such
// as their identity and cursor. It isn't part of the replicated document.
type Awareness struct {
	clock clockwork.Clock

	lock       sync.Mutex
	localState json.RawMessage
	localClock uint64
	states     map[string]peerState

	changed chan struct{}
}

type peerState struct {
	state   json.RawMessage
	clock   uint64
	updated time.Time
}

// NewAwareness returns an Awareness with no state.
func NewAwareness(clock clockwork.Clock) *Awareness {
	return &Awareness{
		clock:   clock,
		states:  map[string]peerState{},
		changed: make(chan struct{}, 1),
	}
}

// SetLocalState sets the state announced to peers. A nil `state` clears it.
func (a *Awareness) SetLocalState(state interface{}) error {
	var raw json.RawMessage
	if state != nil {
		var err error
		if raw, err = json.Marshal(state); err != nil {
			return errors.WithContext(err, "marshal state")
		}
	}

	a.lock.Lock()
	a.localState = raw
	a.localClock++
	a.lock.Unlock()

	select {
	case a.changed <- struct{}{}:
	default:
	}
	return nil
}

// LocalState returns the state announced to peers.
func (a *Awareness) LocalState() json.RawMessage {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.localState
}

// States returns the current state of every peer, by client ID.
func (a *Awareness) States() map[string]json.RawMessage {
	a.lock.Lock()
	defer a.lock.Unlock()

	states := map[string]json.RawMessage{}
	for client, s := range a.states {
		states[client] = s.state
	}
	return states
}

func (a *Awareness) local() (json.RawMessage, uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.localState, a.localClock
}

// apply records the state a peer announced. Announcements older than the
// known state are ignored, and an empty state removes the peer.
func (a *Awareness) apply(client string, clock uint64, state json.RawMessage) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if curr, ok := a.states[client]; ok && clock < curr.clock {
		return
	}

	if len(state) == 0 || string(state) == "null" {
		delete(a.states, client)
		return
	}
	a.states[client] = peerState{state: state, clock: clock, updated: a.clock.Now()}
}

func (a *Awareness) remove(client string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.states, client)
}

// expire drops the peers that haven't refreshed their state in time.
func (a *Awareness) expire() (expired []string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	now := a.clock.Now()
	for client, s := range a.states {
		if now.Sub(s.updated) >= awarenessTimeout {
			delete(a.states, client)
			expired = append(expired, client)
		}
	}
	return expired
}
