package deploystore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

var requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "orchestrator",
	Subsystem: "deploystore",
	Name:      "request_duration_seconds",
	Help:      "Duration of deployment document store requests, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{"method", "success"})

type instrumentedStore struct {
	next Store
}

// Instrument wraps a Store so every call is timed and labeled with
// its outcome.
func Instrument(next Store) Store {
	return &instrumentedStore{next: next}
}

func observe(method string, begin time.Time, err error) {
	requestDuration.With(
		"method", method,
		"success", fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
}

func (s *instrumentedStore) Get(ctx context.Context, id depmodel.ID) (dep *depmodel.Deployment, err error) {
	defer func(begin time.Time) { observe("Get", begin, err) }(time.Now())
	return s.next.Get(ctx, id)
}

func (s *instrumentedStore) Upsert(ctx context.Context, dep *depmodel.Deployment) (err error) {
	defer func(begin time.Time) { observe("Upsert", begin, err) }(time.Now())
	return s.next.Upsert(ctx, dep)
}

func (s *instrumentedStore) MergeParameters(ctx context.Context, id depmodel.ID, patch depmodel.Parameters) (err error) {
	defer func(begin time.Time) { observe("MergeParameters", begin, err) }(time.Now())
	return s.next.MergeParameters(ctx, id, patch)
}

func (s *instrumentedStore) UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) (err error) {
	defer func(begin time.Time) { observe("UpdateTask", begin, err) }(time.Now())
	return s.next.UpdateTask(ctx, id, task)
}

func (s *instrumentedStore) FindIncomplete(ctx context.Context) (deps []*depmodel.Deployment, err error) {
	defer func(begin time.Time) { observe("FindIncomplete", begin, err) }(time.Now())
	return s.next.FindIncomplete(ctx)
}

func (s *instrumentedStore) FindBroken(ctx context.Context) (deps []*depmodel.Deployment, err error) {
	defer func(begin time.Time) { observe("FindBroken", begin, err) }(time.Now())
	return s.next.FindBroken(ctx)
}
