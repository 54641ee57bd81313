package schedule

import (
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// Status reports a schedule handle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Handle controls one scheduled invocation.
type Handle interface {
	Cancel()
	Status() Status
	Err() error
	Done() <-chan struct{}
	ID() int64
}

type handle struct {
	scheduler *Scheduler
	id        int64
	entryID   rcron.EntryID
	done      chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
	once   sync.Once
}

func (h *handle) Cancel() {
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeEntry(h)
		}
		h.setTerminal(StatusCanceled, nil)
	})
}

func (h *handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) ID() int64 {
	return h.id
}

func (h *handle) terminal() bool {
	switch h.Status() {
	case StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

func (h *handle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *handle) setTerminal(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	if err != nil {
		h.err = err
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

type handleSet struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*handle
}

func newHandleSet() *handleSet {
	return &handleSet{items: make(map[int64]*handle)}
}

func (hs *handleSet) add(s *Scheduler) *handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.nextID++
	h := &handle{
		scheduler: s,
		id:        hs.nextID,
		done:      make(chan struct{}),
		status:    StatusScheduled,
	}
	hs.items[h.id] = h
	return h
}

func (hs *handleSet) remove(id int64) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	delete(hs.items, id)
}
