package remote

import (
	"context"
	"sync"

	"encounterd/internal/ledger"
)

// MemoryStore is an in-process store used by tests and by the "memory" sync
// backend in development setups. Failures can be scripted globally or per
// interaction id.
type MemoryStore struct {
	mu      sync.Mutex
	pushed  map[string]ledger.Interaction
	err     error
	failIDs map[string]bool

	pushCalls  int
	batchCalls int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pushed:  make(map[string]ledger.Interaction),
		failIDs: make(map[string]bool),
	}
}

// Name returns the backend name.
func (m *MemoryStore) Name() string {
	return "memory"
}

// Push stores the interaction, honoring scripted failures.
func (m *MemoryStore) Push(ctx context.Context, in ledger.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pushCalls++
	if m.err != nil {
		return m.err
	}
	if m.failIDs[in.ID] {
		return errScriptedFailure
	}
	m.pushed[in.ID] = in
	return nil
}

// PushBatch stores every interaction not scripted to fail and reports the
// scripted ones as failed ids.
func (m *MemoryStore) PushBatch(ctx context.Context, ins []ledger.Interaction) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batchCalls++
	if m.err != nil {
		return nil, m.err
	}

	var failed []string
	for _, in := range ins {
		if m.failIDs[in.ID] {
			failed = append(failed, in.ID)
			continue
		}
		m.pushed[in.ID] = in
	}
	return failed, nil
}

// SetError makes every subsequent call fail with err. Pass nil to heal.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailID scripts a per-record rejection for the given interaction id.
func (m *MemoryStore) FailID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIDs[id] = true
}

// HealID clears a scripted rejection.
func (m *MemoryStore) HealID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failIDs, id)
}

// Contains reports whether the store holds the given id.
func (m *MemoryStore) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pushed[id]
	return ok
}

// Len returns the number of stored interactions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pushed)
}

// PushCalls returns how many single pushes were attempted.
func (m *MemoryStore) PushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCalls
}

// BatchCalls returns how many batch pushes were attempted.
func (m *MemoryStore) BatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchCalls
}

type scriptedFailure struct{}

func (scriptedFailure) Error() string { return "remote: scripted failure" }

var errScriptedFailure = scriptedFailure{}

var _ Store = (*MemoryStore)(nil)
