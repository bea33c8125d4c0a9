package agentrt

import (
	"context"
	"sync"
)

// Serialized allows one in-flight call per agent id. Calls for different
// agents proceed in parallel.
type Serialized struct {
	inner Runtime

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSerialized(inner Runtime) *Serialized {
	return &Serialized{inner: inner, locks: map[string]*sync.Mutex{}}
}

var _ Runtime = (*Serialized)(nil)

func (s *Serialized) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[agentID] = lock
	}
	return lock
}

func (s *Serialized) Spawn(ctx context.Context, req SpawnRequest) (Handle, MessageStream, error) {
	lock := s.lockFor(req.AgentID)
	lock.Lock()
	defer lock.Unlock()
	handle, stream, err := s.inner.Spawn(ctx, req)
	if err != nil {
		return handle, nil, err
	}
	messages, err := collect(ctx, stream)
	if err != nil {
		return handle, nil, err
	}
	return handle, NewSliceStream(messages), nil
}

func (s *Serialized) Continue(ctx context.Context, handle Handle, message string) (MessageStream, error) {
	lock := s.lockFor(handle.AgentID)
	lock.Lock()
	defer lock.Unlock()
	stream, err := s.inner.Continue(ctx, handle, message)
	if err != nil {
		return nil, err
	}
	messages, err := collect(ctx, stream)
	if err != nil {
		return nil, err
	}
	return NewSliceStream(messages), nil
}

// Forget drops the lock of an agent that will not be called again.
func (s *Serialized) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, agentID)
}
