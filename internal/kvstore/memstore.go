package kvstore

import (
	"sync"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// MemStore is an in-process Store used by tests and by orchestrator
// callers that want to exercise the coordination invariants without a
// live Redis instance. It implements the exact same atomicity
// guarantees the Redis-backed Store provides (single mutex, matching
// Redis's single-threaded command execution).
type MemStore struct {
	mu             sync.Mutex
	locked         bool
	inProgress     map[string]depmodel.ID
	paused         map[string]depmodel.ID
	awaitingPause  map[string]struct{}
	awaitingCancel map[string]struct{}
	queue          *MemQueue
}

func NewMemStore() *MemStore {
	return &MemStore{
		inProgress:     map[string]depmodel.ID{},
		paused:         map[string]depmodel.ID{},
		awaitingPause:  map[string]struct{}{},
		awaitingCancel: map[string]struct{}{},
		queue:          NewMemQueue(),
	}
}

func (s *MemStore) Ping() error { return nil }

func (s *MemStore) LockHeld() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked, nil
}

func (s *MemStore) SetLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	return nil
}

func (s *MemStore) ClearLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	return nil
}

func (s *MemStore) RegisterInProgress(key depmodel.Key, id depmodel.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, exists := s.inProgress[k]; exists {
		return false, nil
	}
	s.inProgress[k] = id
	return true, nil
}

func (s *MemStore) InProgressID(key depmodel.Key) (depmodel.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inProgress[key.String()]
	return id, ok, nil
}

func (s *MemStore) ClearInProgress(key depmodel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, key.String())
	return nil
}

func (s *MemStore) RegisterPaused(key depmodel.Key, id depmodel.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[key.String()] = id
	return nil
}

func (s *MemStore) PausedID(key depmodel.Key) (depmodel.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paused[key.String()]
	return id, ok, nil
}

func (s *MemStore) ClearPaused(key depmodel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, key.String())
	return nil
}

func (s *MemStore) RegisterPause(key depmodel.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, exists := s.awaitingPause[k]; exists {
		return false, nil
	}
	s.awaitingPause[k] = struct{}{}
	return true, nil
}

func (s *MemStore) RegisterCancel(key depmodel.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, exists := s.awaitingCancel[k]; exists {
		return false, nil
	}
	s.awaitingCancel[k] = struct{}{}
	return true, nil
}

func (s *MemStore) PauseRegistered(key depmodel.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.awaitingPause[key.String()]
	return ok, nil
}

func (s *MemStore) CancelRegistered(key depmodel.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.awaitingCancel[key.String()]
	return ok, nil
}

func (s *MemStore) ClearPauseRequest(key depmodel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.awaitingPause, key.String())
	return nil
}

func (s *MemStore) ClearCancelRequest(key depmodel.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.awaitingCancel, key.String())
	return nil
}

func (s *MemStore) EndDeployment(key depmodel.Key) error {
	_ = s.ClearInProgress(key)
	_ = s.ClearPauseRequest(key)
	return s.ClearCancelRequest(key)
}

func (s *MemStore) Resume(key depmodel.Key) error {
	_ = s.ClearPaused(key)
	return s.ClearCancelRequest(key)
}

func (s *MemStore) Queue() Queue {
	return s.queue
}

// MemQueue is a trivial channel-backed Queue used by MemStore.
type MemQueue struct {
	ch chan string
}

func NewMemQueue() *MemQueue {
	return &MemQueue{ch: make(chan string, 1024)}
}

func (q *MemQueue) Enqueue(payload string) error {
	q.ch <- payload
	return nil
}

func (q *MemQueue) Consume(stop <-chan struct{}, handler func(payload string) error, opts ConsumeOptions) {
	opts = opts.withDefaults()
	sem := make(chan struct{}, opts.Threads)
	var wg sync.WaitGroup
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		case payload := <-q.ch:
			sem <- struct{}{}
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				defer func() { <-sem }()
				_ = handler(p)
			}(payload)
		}
	}
}
