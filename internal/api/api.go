// Package api is the HTTP intake adapter (spec §4.7, §6): request
// validation, deployment document creation, enqueue, and the small
// set of operator-facing endpoints layered on top for status,
// pause/resume/cancel, and a live log stream.
//
// Grounded on pkg/http/daemon/server.go's mux.Router wiring and
// gorilla/websocket usage from pkg/http/websocket/server.go in the
// teacher repository.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/kvstore"
	"github.com/fluxcd/asg-orchestrator/internal/orchestrator"
)

var requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
	Namespace: "orchestrator",
	Subsystem: "api",
	Name:      "request_duration_seconds",
	Help:      "Time spent serving HTTP requests, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{"route", "status_code"})

// IntakeService is the collaborator the intake handler needs to build
// a fresh deployment document from a request and persist it.
// Registering the deployment with the coordinator and enqueuing it are
// done by handleDeploy itself.
type IntakeService interface {
	// Intake validates the request, loads parameters/hash from the
	// configuration services (out of scope, spec §1), constructs the
	// standard task list, and persists the new document, returning it
	// unstarted.
	Intake(ctx context.Context, req DeployRequest) (*depmodel.Deployment, error)
}

// DeployRequest is the intake payload described in spec §4.7.
type DeployRequest struct {
	Application string `json:"application"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	User        string `json:"user"`
	AMI         string `json:"ami"`
	Message     string `json:"message"`
}

// Server wires the HTTP surface together. version/name are reported
// by /status, matching the checkpoint-style build metadata the
// teacher's cmd/fluxd carries.
type Server struct {
	Intake       IntakeService
	Orchestrator *orchestrator.Orchestrator
	KV           kvstore.Store
	Store        deploystore.Store
	Logger       log.Logger
	Name         string
	Version      string
}

// Router builds the mux.Router serving every route this package
// defines. The application/environment/region prefix on the
// deployment-scoped routes matches spec.md §6's deploy route and
// carries through to the added status/pause/resume/cancel/logs
// routes, since every deployment is addressed by that triple before
// its id is even known.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ping", s.instrument("Ping", s.handlePing)).Methods(http.MethodGet)
	r.HandleFunc("/status", s.instrument("Status", s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/{application}/deploy", s.instrument("Deploy", s.handleDeploy)).Methods(http.MethodPost)

	scoped := "/{application}/{environment}/{region}/deployments/{id}"
	r.HandleFunc(scoped, s.instrument("GetDeployment", s.handleGetDeployment)).Methods(http.MethodGet)
	r.HandleFunc(scoped+"/pause", s.instrument("Pause", s.handlePause)).Methods(http.MethodPost)
	r.HandleFunc(scoped+"/resume", s.instrument("Resume", s.handleResume)).Methods(http.MethodPost)
	r.HandleFunc(scoped+"/cancel", s.instrument("Cancel", s.handleCancel)).Methods(http.MethodPost)
	r.HandleFunc(scoped+"/logs", s.handleLogStream).Methods(http.MethodGet)
	return r
}

func (s *Server) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		requestDuration.With(stdprometheus.Labels{
			"route":       route,
			"status_code": fmt.Sprint(rec.status),
		}).Observe(time.Since(begin).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if held, err := s.KV.LockHeld(); err != nil {
		status = "degraded"
	} else if held {
		status = "locked"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    s.Name,
		"version": s.Version,
		"status":  status,
	})
}

// handleDeploy implements the intake contract of spec §4.7 and §6:
// 201 with the new id on accept, 409 on an in-progress conflict, 423
// while the global lock is held.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, depmodel.NewError(depmodel.KindValidation, "malformed request body", err))
		return
	}
	req.Application = vars["application"]

	dep, err := s.Intake.Intake(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Orchestrator.Register(dep); err != nil {
		writeError(w, err)
		return
	}
	if err := s.KV.Queue().Enqueue(string(dep.ID)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]depmodel.ID{"id": dep.ID})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := depmodel.ID(mux.Vars(r)["id"])
	dep, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func keyFromVars(r *http.Request) depmodel.Key {
	vars := mux.Vars(r)
	return depmodel.Key{
		Application: vars["application"],
		Environment: vars["environment"],
		Region:      vars["region"],
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if _, err := s.KV.RegisterPause(keyFromVars(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.Orchestrator.Resume(r.Context(), keyFromVars(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.KV.RegisterCancel(keyFromVars(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogStream is an ADDED endpoint: a websocket that pushes the
// deployment document's task log every time it changes, polling the
// store at a fixed interval since the store itself has no
// change-notification primitive (spec §1's out-of-scope document
// store).
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := depmodel.ID(mux.Vars(r)["id"])
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Log("event", "websocket-upgrade-failed", "err", err)
		}
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastTaskCount int
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			dep, err := s.Store.Get(r.Context(), id)
			if err != nil {
				conn.WriteJSON(map[string]string{"error": err.Error()})
				return
			}
			logLines := 0
			for _, task := range dep.Tasks {
				logLines += len(task.Log)
			}
			if logLines == lastTaskCount {
				continue
			}
			lastTaskCount = logLines
			if err := conn.WriteJSON(dep.Tasks); err != nil {
				return
			}
			if dep.End != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if depmodel.IsKind(err, depmodel.KindValidation) || depmodel.IsKind(err, depmodel.KindImageMismatch) {
		status = http.StatusBadRequest
	} else if depmodel.IsKind(err, depmodel.KindAlreadyInProgress) {
		status = http.StatusConflict
	} else if depmodel.IsKind(err, depmodel.KindLocked) {
		status = http.StatusLocked
	} else if depmodel.IsKind(err, depmodel.KindMissingASG) || depmodel.IsKind(err, depmodel.KindNotFound) {
		status = http.StatusNotFound
	}

	var derr *depmodel.Error
	if e, ok := err.(*depmodel.Error); ok {
		derr = e
	} else {
		derr = depmodel.NewError(depmodel.KindUnexpectedResponse, "internal error", err)
	}
	writeJSON(w, status, derr)
}
