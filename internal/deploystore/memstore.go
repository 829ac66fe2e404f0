package deploystore

import (
	"context"
	"sync"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// MemStore is an in-memory Store used in tests and by callers that
// don't need the real document store wired up.
type MemStore struct {
	mu   sync.Mutex
	docs map[depmodel.ID]*depmodel.Deployment
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[depmodel.ID]*depmodel.Deployment)}
}

func (m *MemStore) Get(ctx context.Context, id depmodel.ID) (*depmodel.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.docs[id]
	if !ok {
		return nil, depmodel.NewError(depmodel.KindNotFound, "deployment document not found", nil)
	}
	clone := *dep
	return &clone, nil
}

func (m *MemStore) Upsert(ctx context.Context, dep *depmodel.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *dep
	m.docs[dep.ID] = &clone
	return nil
}

func (m *MemStore) MergeParameters(ctx context.Context, id depmodel.ID, patch depmodel.Parameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.docs[id]
	if !ok {
		return depmodel.NewError(depmodel.KindNotFound, "deployment document not found", nil)
	}
	if dep.Parameters == nil {
		dep.Parameters = depmodel.Parameters{}
	}
	for k, v := range patch {
		dep.Parameters[k] = v
	}
	return nil
}

func (m *MemStore) UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.docs[id]
	if !ok {
		return depmodel.NewError(depmodel.KindNotFound, "deployment document not found", nil)
	}
	for i := range dep.Tasks {
		if dep.Tasks[i].TaskID == task.TaskID {
			dep.Tasks[i] = task
			return nil
		}
	}
	return depmodel.NewError(depmodel.KindTaskMissing, "task not found in deployment", nil)
}

func (m *MemStore) FindIncomplete(ctx context.Context) ([]*depmodel.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*depmodel.Deployment
	for _, dep := range m.docs {
		if dep.Incomplete() {
			clone := *dep
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemStore) FindBroken(ctx context.Context) ([]*depmodel.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*depmodel.Deployment
	for _, dep := range m.docs {
		if dep.Broken() {
			clone := *dep
			out = append(out, &clone)
		}
	}
	return out, nil
}
