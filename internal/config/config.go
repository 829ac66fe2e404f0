// Package config is the environment/flag-driven configuration surface
// shared by cmd/orchestratord and its tests, grounded on
// cmd/fluxd/config.go's flag-definition style in the teacher
// repository (adapted from bind-to-viper to a plain env-var fallback,
// since nothing else in this module reaches for viper).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config is the full set of settings orchestratord needs at startup.
// Each field is read from an ORCH_<FIELD> environment variable (noted
// in SPEC_FULL.md §3) whose name is the flag name upper-cased with
// hyphens replaced by underscores, e.g. ORCH_REMOTE_ASG_BASE_URL.
type Config struct {
	Listen        string
	ListenMetrics string

	RemoteASGBaseURL string
	VPCID            string

	RedisHost   string
	RedisPort   int
	RedisPrefix string

	DeployStoreBaseURL string

	MemcachedAddr string

	QueueThreads int
	LockLease    time.Duration
	Backoff      time.Duration
	Throttle     time.Duration

	TrackerRetries      int
	TrackerPollInterval time.Duration

	DefaultSSHKeyName string
}

// Defaults per spec §6: queue threads 1, lock 60s, backoff 200ms,
// throttle 200ms, tracker retries 3600.
func Defaults() Config {
	return Config{
		Listen:              ":8080",
		ListenMetrics:       ":8081",
		RedisHost:           "localhost",
		RedisPort:           6379,
		RedisPrefix:         "orchestrator",
		QueueThreads:        1,
		LockLease:           60 * time.Second,
		Backoff:             200 * time.Millisecond,
		Throttle:            200 * time.Millisecond,
		TrackerRetries:      3600,
		TrackerPollInterval: time.Second,
		DefaultSSHKeyName:   "orchestrator",
	}
}

// Define registers every flag on fs, seeded from Defaults() and
// overridden first by any ORCH_<FIELD> environment variable and then
// by the flag itself, matching cmd/fluxd/config.go's defineString
// closures but without the config-file/viper layer this module has no
// other use for.
func Define(fs *pflag.FlagSet) *Config {
	cfg := Defaults()

	stringVar := func(dest *string, flag, env string, desc string) {
		if v, ok := os.LookupEnv(env); ok {
			*dest = v
		}
		fs.StringVar(dest, flag, *dest, desc)
	}
	intVar := func(dest *int, flag, env string, desc string) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dest = n
			}
		}
		fs.IntVar(dest, flag, *dest, desc)
	}
	durationVar := func(dest *time.Duration, flag, env string, desc string) {
		if v, ok := os.LookupEnv(env); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dest = d
			}
		}
		fs.DurationVar(dest, flag, *dest, desc)
	}

	stringVar(&cfg.Listen, "listen", "ORCH_LISTEN", "listen address for the intake API")
	stringVar(&cfg.ListenMetrics, "listen-metrics", "ORCH_LISTEN_METRICS", "listen address for /metrics")
	stringVar(&cfg.RemoteASGBaseURL, "remote-asg-base-url", "ORCH_REMOTE_ASG_BASE_URL", "base URL of the remote ASG-management service")
	stringVar(&cfg.VPCID, "vpc-id", "ORCH_VPC_ID", "VPC id used to key load balancers for internal-subnet deployments")
	stringVar(&cfg.RedisHost, "redis-host", "ORCH_REDIS_HOST", "coordination store Redis host")
	intVar(&cfg.RedisPort, "redis-port", "ORCH_REDIS_PORT", "coordination store Redis port")
	stringVar(&cfg.RedisPrefix, "redis-prefix", "ORCH_REDIS_PREFIX", "key prefix for coordination store keys")
	stringVar(&cfg.DeployStoreBaseURL, "deploy-store-base-url", "ORCH_DEPLOY_STORE_BASE_URL", "base URL of the deployment document store")
	stringVar(&cfg.MemcachedAddr, "memcached-addr", "ORCH_MEMCACHED_ADDR", "memcached address for the task-document cache")
	intVar(&cfg.QueueThreads, "queue-threads", "ORCH_QUEUE_THREADS", "number of concurrent queue-consuming workers")
	durationVar(&cfg.LockLease, "lock-lease", "ORCH_LOCK_LEASE", "lease duration for a queue message being processed")
	durationVar(&cfg.Backoff, "backoff", "ORCH_BACKOFF", "delay before retrying an empty queue poll")
	durationVar(&cfg.Throttle, "throttle", "ORCH_THROTTLE", "minimum delay between successive queue consumes")
	intVar(&cfg.TrackerRetries, "tracker-retries", "ORCH_TRACKER_RETRIES", "maximum number of task-status polls before timing out")
	durationVar(&cfg.TrackerPollInterval, "tracker-poll-interval", "ORCH_TRACKER_POLL_INTERVAL", "delay between task-status polls")
	stringVar(&cfg.DefaultSSHKeyName, "default-ssh-key-name", "ORCH_DEFAULT_SSH_KEY_NAME", "default SSH key name injected into new ASG launch parameters")

	return &cfg
}

// Validate reports the first missing required setting, following the
// bail-on-first-error style of cmd/fluxd/config.go's bindOrBail.
func (c *Config) Validate() error {
	if c.RemoteASGBaseURL == "" {
		return fmt.Errorf("remote-asg-base-url is required")
	}
	if c.DeployStoreBaseURL == "" {
		return fmt.Errorf("deploy-store-base-url is required")
	}
	return nil
}
