// ============================================================================
// Job status persistence
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The persistence collaborator of the job manager.
//
// Contract:
//   - Create assigns a UUID when the status has no id.
//   - Get and Merge return ErrNotFound for unknown ids.
//   - Every method hands out copies; callers never share memory with the
//     store.
//   - FindNonTerminal feeds the uniqueness check of QueueJob.
//   - FindTerminalBefore feeds the job cleaner.
//
// Implementations:
//   MemoryStore  in-process map
//   SQLStore     database/sql over sqlite (modernc.org/sqlite) or
//                postgres (pgx stdlib driver)
//
// ============================================================================

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

var (
	// ErrNotFound is returned when no status has the requested id
	ErrNotFound = errors.New("job status not found")
	// ErrDuplicate is returned when creating a status whose id already exists
	ErrDuplicate = errors.New("job status already exists")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	JobKey string
	States []types.JobState
	Limit  int
}

func (f ListFilter) matches(status *types.JobStatus) bool {
	if f.JobKey != "" && status.JobKey != f.JobKey {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, state := range f.States {
		if status.State == state {
			return true
		}
	}
	return false
}

// Store persists job statuses
type Store interface {
	Create(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error)
	Get(ctx context.Context, id string) (*types.JobStatus, error)
	Merge(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error)
	Delete(ctx context.Context, id string) error

	// FindNonTerminal returns the statuses of jobKey not yet in a terminal
	// state. The result is never nil.
	FindNonTerminal(ctx context.Context, jobKey string) ([]*types.JobStatus, error)
	// FindTerminalBefore returns terminal statuses last updated before cutoff
	FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*types.JobStatus, error)
	// List returns statuses in creation order
	List(ctx context.Context, filter ListFilter) ([]*types.JobStatus, error)

	Close() error
}

// prepareCreate fills in the id and timestamps of a new status
func prepareCreate(status *types.JobStatus, now time.Time) *types.JobStatus {
	c := status.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c
}

// TerminalStates lists every terminal state
func TerminalStates() []types.JobState {
	var states []types.JobState
	for _, s := range types.AllStates() {
		if s.IsTerminal() {
			states = append(states, s)
		}
	}
	return states
}

// ============================================================================
// MemoryStore
// ============================================================================

type memoryRecord struct {
	seq    int64
	status *types.JobStatus
}

// MemoryStore keeps statuses in memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	seq     int64
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error) {
	if status == nil {
		return nil, errors.New("status is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := prepareCreate(status, m.now())
	if _, exists := m.records[c.ID]; exists {
		return nil, errors.Wrapf(ErrDuplicate, "id %s", c.ID)
	}

	m.seq++
	m.records[c.ID] = &memoryRecord{seq: m.seq, status: c}
	return c.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return rec.status.Clone(), nil
}

func (m *MemoryStore) Merge(ctx context.Context, status *types.JobStatus) (*types.JobStatus, error) {
	if status == nil {
		return nil, errors.New("status is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[status.ID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", status.ID)
	}

	c := status.Clone()
	c.CreatedAt = rec.status.CreatedAt
	c.UpdatedAt = m.now()
	rec.status = c
	return c.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

func (m *MemoryStore) FindNonTerminal(ctx context.Context, jobKey string) ([]*types.JobStatus, error) {
	return m.List(ctx, ListFilter{JobKey: jobKey, States: types.NonTerminalStates()})
}

func (m *MemoryStore) FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*types.JobStatus, error) {
	all, err := m.List(ctx, ListFilter{States: TerminalStates()})
	if err != nil {
		return nil, err
	}

	out := []*types.JobStatus{}
	for _, status := range all {
		if status.UpdatedAt.Before(cutoff) {
			out = append(out, status)
		}
	}
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*types.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*memoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter.matches(rec.status) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}

	out := make([]*types.JobStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.status.Clone())
	}
	return out, nil
}

// Len returns the number of stored statuses
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }
