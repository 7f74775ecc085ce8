package orchestrator

import (
	"fmt"
	"sync"
)

// Registry is the authoritative, concurrency-safe table of stream records.
//
// The registry lock only guards the id -> state index and is never held while
// a record is read or mutated. Each StreamState carries its own mutex, so
// mutations on one id never wait on another id.
type Registry struct {
	mu    sync.RWMutex
	store Store
}

// NewRegistry constructs a registry backed by an in-memory store.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// Create inserts a new record in StateCreated.
func (r *Registry) Create(id StreamID, cfg StreamConfig) (StreamRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetStream(id); exists {
		return StreamRecord{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	st := newStreamState(id, cfg)
	r.store.SetStream(id, st)
	return st.record, nil
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id StreamID) (StreamRecord, error) {
	st, err := r.lookup(id)
	if err != nil {
		return StreamRecord{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.removed {
		return StreamRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.record, nil
}

// Mutate applies fn to the record atomically with respect to every other
// operation on the same id. fn works on a copy: if it returns an error the
// record is left untouched and the error is returned. The id cannot be changed.
func (r *Registry) Mutate(id StreamID, fn func(rec *StreamRecord) error) error {
	st, err := r.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := st.record
	if err := fn(&next); err != nil {
		return err
	}
	next.ID = st.record.ID
	st.record = next
	return nil
}

// Remove deletes the record and returns its final snapshot. Once Remove
// returns, every Get, Mutate, or Remove for id fails with ErrNotFound, including
// calls made through a holder obtained before the removal.
func (r *Registry) Remove(id StreamID) (StreamRecord, error) {
	r.mu.Lock()
	st, exists := r.store.GetStream(id)
	if exists {
		r.store.DeleteStream(id)
	}
	r.mu.Unlock()

	if !exists {
		return StreamRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.removed = true
	st.record.State = StateRemoved
	return st.record, nil
}

// List returns snapshots of every record, ordered by id.
func (r *Registry) List() []StreamRecord {
	r.mu.RLock()
	ids := r.store.ListStreamIDs()
	states := make([]*StreamState, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.store.GetStream(id); ok {
			states = append(states, st)
		}
	}
	r.mu.RUnlock()

	records := make([]StreamRecord, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.removed {
			records = append(records, st.record)
		}
		st.mu.Unlock()
	}
	return records
}

// Len returns the number of registered streams. Used for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListStreamIDs())
}

func (r *Registry) lookup(id StreamID) (*StreamState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetStream(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, nil
}
