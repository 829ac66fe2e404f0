// Package kvstore is the durable coordination layer described in
// spec.md §4.1: the global intake lock, the in-progress/paused maps,
// the awaiting-pause/awaiting-cancel sets, and the persistent work
// queue. It is backed by Redis (github.com/go-redis/redis/v7),
// following the same client-construction shape as
// pkg/registry/cache/redis.go in the teacher repository.
package kvstore

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// Store is the operation set the rest of the orchestrator depends on.
// It is an interface so that internal/orchestrator and
// internal/pipeline can be tested against an in-memory fake without a
// live Redis instance.
type Store interface {
	// Lock is the advisory global intake lock (spec §3, §4.5).
	LockHeld() (bool, error)
	SetLock() error
	ClearLock() error

	// RegisterInProgress atomically installs key -> id iff no mapping
	// exists yet, returning true iff it installed the mapping.
	RegisterInProgress(key depmodel.Key, id depmodel.ID) (bool, error)
	InProgressID(key depmodel.Key) (depmodel.ID, bool, error)
	ClearInProgress(key depmodel.Key) error

	RegisterPaused(key depmodel.Key, id depmodel.ID) error
	PausedID(key depmodel.Key) (depmodel.ID, bool, error)
	ClearPaused(key depmodel.Key) error

	// RegisterPause/RegisterCancel return true iff the set was
	// modified (idempotent, per spec §4.1).
	RegisterPause(key depmodel.Key) (bool, error)
	RegisterCancel(key depmodel.Key) (bool, error)
	PauseRegistered(key depmodel.Key) (bool, error)
	CancelRegistered(key depmodel.Key) (bool, error)
	ClearPauseRequest(key depmodel.Key) error
	ClearCancelRequest(key depmodel.Key) error

	// EndDeployment unregisters pause and cancel in addition to
	// removing the in-progress mapping (spec §4.1).
	EndDeployment(key depmodel.Key) error
	// Resume unregisters cancel in addition to clearing paused.
	Resume(key depmodel.Key) error

	Queue() Queue

	// Ping is a trivial round-trip used by the health check.
	Ping() error
}

// Prefix namespaces every key this store touches, matching spec §6:
// `{prefix}:deployments:{...}` and `{prefix}:lock`.
type Prefix string

func (p Prefix) lockKey() string           { return string(p) + ":lock" }
func (p Prefix) inProgressKey() string     { return string(p) + ":deployments:in-progress" }
func (p Prefix) pausedKey() string         { return string(p) + ":deployments:paused" }
func (p Prefix) awaitingPauseKey() string  { return string(p) + ":deployments:awaiting-pause" }
func (p Prefix) awaitingCancelKey() string { return string(p) + ":deployments:awaiting-cancel" }
func (p Prefix) queueKey() string          { return string(p) + ":deployments:queue" }
func (p Prefix) processingKey() string     { return string(p) + ":deployments:queue:processing" }
func (p Prefix) leaseKey(id string) string { return string(p) + ":deployments:queue:lease:" + id }

// Config describes how to reach the coordination store.
type Config struct {
	Host    string
	Port    int
	Prefix  Prefix
	Timeout time.Duration
	Logger  log.Logger
}

type redisStore struct {
	client *redis.Client
	prefix Prefix
	logger log.Logger
}

// New constructs a Store backed by Redis.
func New(cfg Config) Store {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return Instrument(&redisStore{client: client, prefix: cfg.Prefix, logger: cfg.Logger})
}

func (s *redisStore) Ping() error {
	return s.client.Ping().Err()
}

func (s *redisStore) LockHeld() (bool, error) {
	n, err := s.client.Exists(s.prefix.lockKey()).Result()
	if err != nil {
		return false, errors.Wrap(err, "checking intake lock")
	}
	return n > 0, nil
}

func (s *redisStore) SetLock() error {
	return errors.Wrap(s.client.Set(s.prefix.lockKey(), "1", 0).Err(), "setting intake lock")
}

func (s *redisStore) ClearLock() error {
	return errors.Wrap(s.client.Del(s.prefix.lockKey()).Err(), "clearing intake lock")
}

func (s *redisStore) RegisterInProgress(key depmodel.Key, id depmodel.ID) (bool, error) {
	ok, err := s.client.HSetNX(s.prefix.inProgressKey(), key.String(), string(id)).Result()
	if err != nil {
		return false, errors.Wrap(err, "registering in-progress deployment")
	}
	return ok, nil
}

func (s *redisStore) InProgressID(key depmodel.Key) (depmodel.ID, bool, error) {
	v, err := s.client.HGet(s.prefix.inProgressKey(), key.String()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading in-progress deployment")
	}
	return depmodel.ID(v), true, nil
}

func (s *redisStore) ClearInProgress(key depmodel.Key) error {
	return errors.Wrap(s.client.HDel(s.prefix.inProgressKey(), key.String()).Err(), "clearing in-progress deployment")
}

func (s *redisStore) RegisterPaused(key depmodel.Key, id depmodel.ID) error {
	return errors.Wrap(s.client.HSet(s.prefix.pausedKey(), key.String(), string(id)).Err(), "registering paused deployment")
}

func (s *redisStore) PausedID(key depmodel.Key) (depmodel.ID, bool, error) {
	v, err := s.client.HGet(s.prefix.pausedKey(), key.String()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading paused deployment")
	}
	return depmodel.ID(v), true, nil
}

func (s *redisStore) ClearPaused(key depmodel.Key) error {
	return errors.Wrap(s.client.HDel(s.prefix.pausedKey(), key.String()).Err(), "clearing paused deployment")
}

func (s *redisStore) RegisterPause(key depmodel.Key) (bool, error) {
	n, err := s.client.SAdd(s.prefix.awaitingPauseKey(), key.String()).Result()
	if err != nil {
		return false, errors.Wrap(err, "registering pause request")
	}
	return n > 0, nil
}

func (s *redisStore) RegisterCancel(key depmodel.Key) (bool, error) {
	n, err := s.client.SAdd(s.prefix.awaitingCancelKey(), key.String()).Result()
	if err != nil {
		return false, errors.Wrap(err, "registering cancel request")
	}
	return n > 0, nil
}

func (s *redisStore) PauseRegistered(key depmodel.Key) (bool, error) {
	ok, err := s.client.SIsMember(s.prefix.awaitingPauseKey(), key.String()).Result()
	return ok, errors.Wrap(err, "checking pause request")
}

func (s *redisStore) CancelRegistered(key depmodel.Key) (bool, error) {
	ok, err := s.client.SIsMember(s.prefix.awaitingCancelKey(), key.String()).Result()
	return ok, errors.Wrap(err, "checking cancel request")
}

func (s *redisStore) ClearPauseRequest(key depmodel.Key) error {
	return errors.Wrap(s.client.SRem(s.prefix.awaitingPauseKey(), key.String()).Err(), "clearing pause request")
}

func (s *redisStore) ClearCancelRequest(key depmodel.Key) error {
	return errors.Wrap(s.client.SRem(s.prefix.awaitingCancelKey(), key.String()).Err(), "clearing cancel request")
}

func (s *redisStore) EndDeployment(key depmodel.Key) error {
	if err := s.ClearInProgress(key); err != nil {
		return err
	}
	if err := s.ClearPauseRequest(key); err != nil {
		return err
	}
	return s.ClearCancelRequest(key)
}

func (s *redisStore) Resume(key depmodel.Key) error {
	if err := s.ClearPaused(key); err != nil {
		return err
	}
	return s.ClearCancelRequest(key)
}

func (s *redisStore) Queue() Queue {
	return &redisQueue{client: s.client, prefix: s.prefix, logger: s.logger}
}
