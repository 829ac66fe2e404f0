// Package deploystore is the client for the persistent document store
// of deployment records (spec §4.2). The store itself is out of
// scope - a MongoDB-shaped document collection external to this
// service - so this package speaks to it purely over HTTP+JSON,
// grounded on pkg/http/client/client.go's executeRequest pattern in
// the teacher repository.
package deploystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

// Store is the contract-only deployment document store client (spec
// §4.2): get, upsert, partial-merge of parameters, in-place task
// update, and the two restart-sweep finders.
type Store interface {
	Get(ctx context.Context, id depmodel.ID) (*depmodel.Deployment, error)
	Upsert(ctx context.Context, dep *depmodel.Deployment) error
	MergeParameters(ctx context.Context, id depmodel.ID, patch depmodel.Parameters) error
	UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) error
	FindIncomplete(ctx context.Context) ([]*depmodel.Deployment, error)
	FindBroken(ctx context.Context) ([]*depmodel.Deployment, error)
}

// Config points the client at the document store's HTTP endpoint.
type Config struct {
	BaseURL string
	Client  *http.Client
}

type httpStore struct {
	http    *http.Client
	baseURL string
}

// New constructs an HTTP-backed Store, wrapped for Prometheus
// instrumentation.
func New(cfg Config) Store {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return Instrument(&httpStore{http: client, baseURL: cfg.BaseURL})
}

func (s *httpStore) Get(ctx context.Context, id depmodel.ID) (*depmodel.Deployment, error) {
	var dep depmodel.Deployment
	if err := s.doJSON(ctx, http.MethodGet, s.url("/deployments/%s", id), nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *httpStore) Upsert(ctx context.Context, dep *depmodel.Deployment) error {
	return s.doJSON(ctx, http.MethodPut, s.url("/deployments/%s", dep.ID), dep, nil)
}

func (s *httpStore) MergeParameters(ctx context.Context, id depmodel.ID, patch depmodel.Parameters) error {
	return s.doJSON(ctx, http.MethodPatch, s.url("/deployments/%s/parameters", id), patch, nil)
}

func (s *httpStore) UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) error {
	return s.doJSON(ctx, http.MethodPatch, s.url("/deployments/%s/tasks/%s", id, task.TaskID), task, nil)
}

func (s *httpStore) FindIncomplete(ctx context.Context) ([]*depmodel.Deployment, error) {
	var deps []*depmodel.Deployment
	if err := s.doJSON(ctx, http.MethodGet, s.url("/deployments?filter=incomplete"), nil, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *httpStore) FindBroken(ctx context.Context) ([]*depmodel.Deployment, error) {
	var deps []*depmodel.Deployment
	if err := s.doJSON(ctx, http.MethodGet, s.url("/deployments?filter=broken"), nil, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *httpStore) url(format string, args ...interface{}) string {
	return s.baseURL + fmt.Sprintf(format, args...)
}

func (s *httpStore) doJSON(ctx context.Context, method, url string, body, dest interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", url)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "executing %s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return depmodel.NewError(depmodel.KindNotFound, "deployment document not found",
			errors.Errorf("%s %s: 404", method, url))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := ioutil.ReadAll(resp.Body)
		return depmodel.NewError(depmodel.KindUnexpectedResponse, "deployment store returned an unexpected response",
			errors.Errorf("%s %s: %d: %s", method, url, resp.StatusCode, respBody))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return errors.Wrap(err, "decoding deployment store response")
	}
	return nil
}
