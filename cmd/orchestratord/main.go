// Command orchestratord runs the deployment orchestrator: HTTP
// intake and status API, a queue worker that dispatches registered
// deployments, and the restart sweep run once at startup.
//
// Grounded on cmd/fluxd/main.go's named-component wiring style in the
// teacher repository.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/weaveworks/go-checkpoint"

	"github.com/fluxcd/asg-orchestrator/internal/api"
	"github.com/fluxcd/asg-orchestrator/internal/config"
	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/intake"
	"github.com/fluxcd/asg-orchestrator/internal/kvstore"
	"github.com/fluxcd/asg-orchestrator/internal/logging"
	"github.com/fluxcd/asg-orchestrator/internal/orchestrator"
	"github.com/fluxcd/asg-orchestrator/internal/pipeline"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
	"github.com/fluxcd/asg-orchestrator/internal/tracker"
)

const versionCheckPeriod = 6 * time.Hour

var version = "unreleased"

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("orchestratord", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  orchestratord runs deployments of application auto-scaling groups.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	logFormat := fs.String("log-format", "logfmt", "log output format: logfmt or json")
	cfg := config.Define(fs)
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logger domain.
	logger := logging.New(*logFormat)

	// Coordination store component.
	var kv kvstore.Store
	{
		l := logging.With(logger, "kvstore")
		kv = kvstore.New(kvstore.Config{
			Host:    cfg.RedisHost,
			Port:    cfg.RedisPort,
			Prefix:  kvstore.Prefix(cfg.RedisPrefix),
			Timeout: cfg.LockLease,
			Logger:  l,
		})
	}

	// Document store component.
	var store deploystore.Store
	{
		store = deploystore.New(deploystore.Config{BaseURL: cfg.DeployStoreBaseURL})
	}

	// Remote ASG service component, optionally memcache-fronted.
	var remote pipeline.RemoteClient
	{
		client := remoteasg.New(cfg.RemoteASGBaseURL, 0, 0)
		if cfg.MemcachedAddr != "" {
			remote = remoteasg.NewCached(client, cfg.MemcachedAddr)
		} else {
			remote = client
		}
	}

	// Pipeline engine component.
	engine := &pipeline.Engine{
		Remote: remote,
		Store:  store,
		TransformConfig: remoteasg.TransformConfig{
			VPCID: cfg.VPCID,
		},
		Logger: logging.With(logger, "pipeline"),
	}

	// Tracker component.
	trk := tracker.New(remote.(tracker.Fetcher), store, logging.With(logger, "tracker"))
	trk.PollInterval = cfg.TrackerPollInterval

	// Orchestrator component.
	orch := &orchestrator.Orchestrator{
		KV:       kv,
		Store:    store,
		Pipeline: engine,
		Tracker:  trk,
		Retries:  cfg.TrackerRetries,
		Logger:   logging.With(logger, "orchestrator"),
	}

	// Intake service component.
	intakeSvc := &intake.Service{
		Store:  store,
		Config: staticConfigLookup{sshKeyName: cfg.DefaultSSHKeyName},
	}

	// HTTP API component.
	server := &api.Server{
		Intake:       intakeSvc,
		Orchestrator: orch,
		KV:           kv,
		Store:        store,
		Logger:       logging.With(logger, "api"),
		Name:         "orchestratord",
		Version:      version,
	}

	// Restart sweep, run once before serving traffic.
	{
		l := logging.With(logger, "sweep")
		if err := orch.RestartSweep(context.Background()); err != nil {
			l.Log("err", err)
		}
	}

	// Queue worker component: dequeues registered deployment ids and
	// dispatches their first task (spec §4.7's "orchestrator dequeues"
	// step, split from Register at the HTTP boundary).
	stopQueue := make(chan struct{})
	go func() {
		l := logging.With(logger, "queue")
		opts := kvstore.ConsumeOptions{
			Threads:        cfg.QueueThreads,
			LockMillis:     cfg.LockLease.Milliseconds(),
			BackoffMillis:  cfg.Backoff.Milliseconds(),
			ThrottleMillis: cfg.Throttle.Milliseconds(),
		}
		kv.Queue().Consume(stopQueue, func(payload string) error {
			id := depmodel.ID(payload)
			dep, err := store.Get(context.Background(), id)
			if err != nil {
				l.Log("event", "load-failed", "deployment", id, "err", err)
				return err
			}
			if err := orch.Dispatch(context.Background(), dep); err != nil {
				l.Log("event", "dispatch-failed", "deployment", id, "err", err)
				return err
			}
			return nil
		}, opts)
	}()

	// Update check component.
	checker := checkForUpdates(version, logging.With(logger, "checkpoint"))
	defer checker.Stop()

	// Mechanical stuff.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// Metrics transport.
	go func() {
		l := logging.With(logger, "metrics")
		l.Log("addr", cfg.ListenMetrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		errc <- http.ListenAndServe(cfg.ListenMetrics, mux)
	}()

	// HTTP transport.
	go func() {
		l := logging.With(logger, "http")
		l.Log("addr", cfg.Listen)
		errc <- http.ListenAndServe(cfg.Listen, server.Router())
	}()

	// Go!
	logger.Log("exit", <-errc)
	close(stopQueue)
}

// staticConfigLookup is a placeholder ConfigLookup for the
// configuration/properties services spec §1 puts out of scope: it
// returns no parameters beyond the ssh key name every environment is
// launched with, and an empty hash.
type staticConfigLookup struct {
	sshKeyName string
}

func (s staticConfigLookup) Lookup(ctx context.Context, application, environment string) (string, depmodel.Parameters, error) {
	return "", depmodel.Parameters{"ssh_key_name": s.sshKeyName}, nil
}

func checkForUpdates(currentVersion string, logger log.Logger) *checkpoint.Checker {
	handleResponse := func(r *checkpoint.CheckResponse, err error) {
		if err != nil {
			logger.Log("err", err)
			return
		}
		if r.Outdated {
			logger.Log("msg", "update available", "latest", r.CurrentVersion, "URL", r.CurrentDownloadURL)
			return
		}
		logger.Log("msg", "up to date", "latest", r.CurrentVersion)
	}

	params := checkpoint.CheckParams{
		Product: "asg-orchestrator",
		Version: currentVersion,
	}
	return checkpoint.CheckInterval(&params, versionCheckPeriod, handleResponse)
}
