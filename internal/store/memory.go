package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"a2aflow/internal/domain"
)

type entry struct {
	mu   sync.Mutex
	task domain.Task
}

// Memory is an in-process Store. The index lock only guards the map; each
// task record has its own mutex so unrelated tasks never block each other.
type Memory struct {
	*Hub
	Now      func() time.Time
	NewID    func() string
	MaxTasks int

	mu    sync.RWMutex
	tasks map[string]*entry
}

func NewMemory() *Memory {
	return &Memory{
		Hub:   NewHub(),
		Now:   time.Now,
		NewID: func() string { return uuid.New().String() },
		tasks: make(map[string]*entry),
	}
}

func (m *Memory) now() string {
	if m.Now != nil {
		return m.Now().UTC().Format(domain.TimeFormat)
	}
	return time.Now().UTC().Format(domain.TimeFormat)
}

func (m *Memory) Create(ctx context.Context, capability string, input []domain.Message) (domain.Task, error) {
	now := m.now()
	t := domain.Task{
		ID:         m.NewID(),
		Capability: capability,
		State:      domain.StateSubmitted,
		Input:      append([]domain.Message(nil), input...),
		History:    []domain.StatusChange{{State: domain.StateSubmitted, At: now}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	if m.MaxTasks > 0 && len(m.tasks) >= m.MaxTasks {
		m.mu.Unlock()
		return domain.Task{}, ErrExhausted
	}
	m.tasks[t.ID] = &entry{task: t}
	m.mu.Unlock()
	m.Publish(t)
	return t.Clone(), nil
}

func (m *Memory) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Get(ctx context.Context, id string) (domain.Task, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (m *Memory) Transition(ctx context.Context, id string, to domain.State, opts TransitionOptions) (domain.Task, error) {
	return m.mutate(id, func(t *domain.Task, now string) error {
		return Apply(t, to, opts, now)
	})
}

func (m *Memory) AppendArtifact(ctx context.Context, id string, artifact domain.Artifact) (domain.Task, error) {
	return m.mutate(id, func(t *domain.Task, now string) error {
		return ApplyArtifact(t, artifact, now)
	})
}

func (m *Memory) mutate(id string, fn func(*domain.Task, string) error) (domain.Task, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	e.mu.Lock()
	// work on a copy so a rejected mutation leaves the record untouched
	next := e.task.Clone()
	if err := fn(&next, m.now()); err != nil {
		current := e.task.Clone()
		e.mu.Unlock()
		return current, err
	}
	e.task = next
	snapshot := next.Clone()
	e.mu.Unlock()
	m.Publish(snapshot)
	return snapshot, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	res := make([]domain.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		t := e.task.Clone()
		e.mu.Unlock()
		if f.Capability != "" && t.Capability != f.Capability {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt > res[j].CreatedAt
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}
