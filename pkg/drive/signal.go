package drive

import (
	"sync"

	"github.com/sidkik/sharedfs/pkg/contents"
)

// Signal delivers file change notifications to the connected functions.
type Signal struct {
	lock   sync.Mutex
	next   int
	slots  map[int]func(contents.ChangedArgs)
	closed bool
}

func newSignal() *Signal {
	return &Signal{slots: map[int]func(contents.ChangedArgs){}}
}

// Connect calls `fn` with every change until the returned function is
// called, or the drive is disposed. `fn` is called synchronously, so it must
// not block.
func (s *Signal) Connect(fn func(contents.ChangedArgs)) (disconnect func()) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return func() {}
	}

	id := s.next
	s.next++
	s.slots[id] = fn
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.slots, id)
	}
}

func (s *Signal) emit(args contents.ChangedArgs) {
	s.lock.Lock()
	var slots []func(contents.ChangedArgs)
	for _, fn := range s.slots {
		slots = append(slots, fn)
	}
	s.lock.Unlock()

	for _, fn := range slots {
		fn(args)
	}
}

func (s *Signal) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.slots = map[int]func(contents.ChangedArgs){}
}
