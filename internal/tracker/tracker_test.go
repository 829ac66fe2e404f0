package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
)

// immediateScheduler runs scheduled work synchronously (recursively)
// so tests don't need to wait on real timers.
type immediateScheduler struct{}

func (immediateScheduler) After(d time.Duration, f func()) { f() }

type stubFetcher struct {
	docs []*remoteasg.TaskDoc
	errs []error
	i    int
}

func (s *stubFetcher) FetchTask(ctx context.Context, taskURL, lastSeenUpdateTime string) (*remoteasg.TaskDoc, error) {
	idx := s.i
	if idx >= len(s.docs) {
		idx = len(s.docs) - 1
	}
	s.i++
	if s.errs != nil && idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.docs[idx], nil
}

type noopUpdater struct{ mu sync.Mutex; err error }

func (n *noopUpdater) UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func TestTrackCallsOnCompleteOnTerminalStatus(t *testing.T) {
	fetcher := &stubFetcher{docs: []*remoteasg.TaskDoc{{Status: "completed", Log: []string{"2020-01-02_03:04:05 done"}}}}
	tr := &Tracker{Fetcher: fetcher, Store: &noopUpdater{}, Scheduler: immediateScheduler{}, PollInterval: time.Millisecond}

	var completed, timedOut int
	tr.Track(context.Background(), "dep-1", depmodel.Task{TaskID: "t1", URL: "http://x/task/1"}, 3,
		func(id depmodel.ID, task depmodel.Task) { completed++ },
		func(id depmodel.ID, task depmodel.Task) { timedOut++ })

	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, timedOut)
}

func TestTrackCallsOnTimeoutWhenRetriesExhausted(t *testing.T) {
	docs := make([]*remoteasg.TaskDoc, 3)
	for i := range docs {
		docs[i] = &remoteasg.TaskDoc{Status: "running"}
	}
	fetcher := &stubFetcher{docs: docs}
	tr := &Tracker{Fetcher: fetcher, Store: &noopUpdater{}, Scheduler: immediateScheduler{}, PollInterval: time.Millisecond}

	var completed, timedOut int
	tr.Track(context.Background(), "dep-1", depmodel.Task{TaskID: "t1", URL: "http://x/task/1"}, 2,
		func(id depmodel.ID, task depmodel.Task) { completed++ },
		func(id depmodel.ID, task depmodel.Task) { timedOut++ })

	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, timedOut)
}

func TestTrackRetriesOnTransientFetchError(t *testing.T) {
	transient := depmodel.NewError(depmodel.KindTrackerTransient, "network blip", errors.New("dial tcp: timeout"))
	fetcher := &stubFetcher{
		docs: []*remoteasg.TaskDoc{nil, {Status: "completed"}},
		errs: []error{transient, nil},
	}
	tr := &Tracker{Fetcher: fetcher, Store: &noopUpdater{}, Scheduler: immediateScheduler{}, PollInterval: time.Millisecond}

	var completed, timedOut int
	tr.Track(context.Background(), "dep-1", depmodel.Task{TaskID: "t1", URL: "http://x/task/1"}, 5,
		func(id depmodel.ID, task depmodel.Task) { completed++ },
		func(id depmodel.ID, task depmodel.Task) { timedOut++ })

	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, timedOut)
}

func TestTrackPropagatesNonTransientError(t *testing.T) {
	permanent := depmodel.NewError(depmodel.KindUnexpectedResponse, "bad response", errors.New("500"))
	fetcher := &stubFetcher{docs: []*remoteasg.TaskDoc{nil}, errs: []error{permanent}}
	tr := &Tracker{Fetcher: fetcher, Store: &noopUpdater{}, Scheduler: immediateScheduler{}, PollInterval: time.Millisecond}

	var completed, timedOut int
	tr.Track(context.Background(), "dep-1", depmodel.Task{TaskID: "t1", URL: "http://x/task/1"}, 5,
		func(id depmodel.ID, task depmodel.Task) { completed++ },
		func(id depmodel.ID, task depmodel.Task) { timedOut++ })

	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, timedOut)
	assert.Equal(t, 1, fetcher.i)
}

func TestMergeTaskDocOverridesStatusAndLog(t *testing.T) {
	task := depmodel.Task{TaskID: "t1", Status: depmodel.StatusRunning}
	doc := &remoteasg.TaskDoc{Status: "completed", Log: []string{"2020-01-02_03:04:05 finished"}}

	merged, err := mergeTaskDoc(task, doc)
	require.NoError(t, err)
	assert.Equal(t, depmodel.StatusCompleted, merged.Status)
	require.Len(t, merged.Log, 1)
	assert.Equal(t, "finished", merged.Log[0].Message)
	assert.Nil(t, merged.LastRemoteUpdate)
}

func TestMergeTaskDocParsesUpdateTime(t *testing.T) {
	task := depmodel.Task{TaskID: "t1", Status: depmodel.StatusRunning}
	doc := &remoteasg.TaskDoc{Status: "running", UpdateTime: "2020-01-02 03:04:05 UTC"}

	merged, err := mergeTaskDoc(task, doc)
	require.NoError(t, err)
	require.NotNil(t, merged.LastRemoteUpdate)
	assert.Equal(t, 2020, merged.LastRemoteUpdate.Year())
}

func TestMergeTaskDocIgnoresUnparseableUpdateTime(t *testing.T) {
	task := depmodel.Task{TaskID: "t1", Status: depmodel.StatusRunning}
	doc := &remoteasg.TaskDoc{Status: "running", UpdateTime: "not-a-time"}

	merged, err := mergeTaskDoc(task, doc)
	require.NoError(t, err)
	assert.Nil(t, merged.LastRemoteUpdate)
}
