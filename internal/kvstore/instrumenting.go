package kvstore

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// requestDuration mirrors registry/memcache/monitoring.go's
// instrumentedMemcacheClient: every store operation, successful or
// not, is observed under its method name.
var requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "orchestrator",
	Subsystem: "kvstore",
	Name:      "request_duration_seconds",
	Help:      "Duration of coordination-store requests, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{"method", "success"})

type instrumentedStore struct {
	next Store
}

// Instrument wraps a Store so every call is timed and labeled with
// its outcome, regardless of backend.
func Instrument(next Store) Store {
	return &instrumentedStore{next: next}
}

func observe(method string, begin time.Time, err error) {
	requestDuration.With(
		"method", method,
		"success", fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
}

func (s *instrumentedStore) Ping() (err error) {
	defer func(begin time.Time) { observe("Ping", begin, err) }(time.Now())
	return s.next.Ping()
}

func (s *instrumentedStore) LockHeld() (held bool, err error) {
	defer func(begin time.Time) { observe("LockHeld", begin, err) }(time.Now())
	return s.next.LockHeld()
}

func (s *instrumentedStore) SetLock() (err error) {
	defer func(begin time.Time) { observe("SetLock", begin, err) }(time.Now())
	return s.next.SetLock()
}

func (s *instrumentedStore) ClearLock() (err error) {
	defer func(begin time.Time) { observe("ClearLock", begin, err) }(time.Now())
	return s.next.ClearLock()
}

func (s *instrumentedStore) RegisterInProgress(key depmodel.Key, id depmodel.ID) (ok bool, err error) {
	defer func(begin time.Time) { observe("RegisterInProgress", begin, err) }(time.Now())
	return s.next.RegisterInProgress(key, id)
}

func (s *instrumentedStore) InProgressID(key depmodel.Key) (id depmodel.ID, ok bool, err error) {
	defer func(begin time.Time) { observe("InProgressID", begin, err) }(time.Now())
	return s.next.InProgressID(key)
}

func (s *instrumentedStore) ClearInProgress(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("ClearInProgress", begin, err) }(time.Now())
	return s.next.ClearInProgress(key)
}

func (s *instrumentedStore) RegisterPaused(key depmodel.Key, id depmodel.ID) (err error) {
	defer func(begin time.Time) { observe("RegisterPaused", begin, err) }(time.Now())
	return s.next.RegisterPaused(key, id)
}

func (s *instrumentedStore) PausedID(key depmodel.Key) (id depmodel.ID, ok bool, err error) {
	defer func(begin time.Time) { observe("PausedID", begin, err) }(time.Now())
	return s.next.PausedID(key)
}

func (s *instrumentedStore) ClearPaused(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("ClearPaused", begin, err) }(time.Now())
	return s.next.ClearPaused(key)
}

func (s *instrumentedStore) RegisterPause(key depmodel.Key) (modified bool, err error) {
	defer func(begin time.Time) { observe("RegisterPause", begin, err) }(time.Now())
	return s.next.RegisterPause(key)
}

func (s *instrumentedStore) RegisterCancel(key depmodel.Key) (modified bool, err error) {
	defer func(begin time.Time) { observe("RegisterCancel", begin, err) }(time.Now())
	return s.next.RegisterCancel(key)
}

func (s *instrumentedStore) PauseRegistered(key depmodel.Key) (registered bool, err error) {
	defer func(begin time.Time) { observe("PauseRegistered", begin, err) }(time.Now())
	return s.next.PauseRegistered(key)
}

func (s *instrumentedStore) CancelRegistered(key depmodel.Key) (registered bool, err error) {
	defer func(begin time.Time) { observe("CancelRegistered", begin, err) }(time.Now())
	return s.next.CancelRegistered(key)
}

func (s *instrumentedStore) ClearPauseRequest(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("ClearPauseRequest", begin, err) }(time.Now())
	return s.next.ClearPauseRequest(key)
}

func (s *instrumentedStore) ClearCancelRequest(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("ClearCancelRequest", begin, err) }(time.Now())
	return s.next.ClearCancelRequest(key)
}

func (s *instrumentedStore) EndDeployment(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("EndDeployment", begin, err) }(time.Now())
	return s.next.EndDeployment(key)
}

func (s *instrumentedStore) Resume(key depmodel.Key) (err error) {
	defer func(begin time.Time) { observe("Resume", begin, err) }(time.Now())
	return s.next.Resume(key)
}

func (s *instrumentedStore) Queue() Queue {
	return s.next.Queue()
}
