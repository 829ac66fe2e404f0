// Package remoteasg is the thin, bit-exact HTTP client for the
// remote ASG-management service described in spec.md §4.6 and §6. It
// is deliberately dumb about deployment semantics - it knows how to
// make the wire calls (ASG creation, cluster actions, healthchecks,
// task fetch, security-group listing) and parse their responses -
// grounded on pkg/http/client/client.go's executeRequest pattern in
// the teacher repository.
package remoteasg

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 15 * time.Second
)

// Config describes how to reach one environment's ASG-management
// service.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client is a connection to one environment's remote ASG-management
// service.
type Client struct {
	http    *http.Client
	baseURL string
}

func New(baseURL string, connectTimeout, readTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Client{
		http: &http.Client{
			Timeout:   readTimeout,
			Transport: transport,
			// The service replies with 302s that carry the
			// information we need in the Location header itself; we
			// inspect that header ourselves rather than following it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SaveNewASG posts to {base}/{region}/autoScaling/save, the "fresh
// cluster" ASG creation call. On success it returns the Location
// header verbatim so the caller can extract the new ASG name from the
// `.../autoScaling/show/{name}` path.
func (c *Client) SaveNewASG(ctx context.Context, region string, form url.Values) (string, error) {
	return c.postExpect302(ctx, fmt.Sprintf("%s/%s/autoScaling/save", c.baseURL, region), form)
}

// CreateNextGroup posts to {base}/{region}/cluster/createNextGroup,
// the "rolling replace" ASG creation call. The Location header points
// at a task resource; the new ASG name is not known until the task's
// log is fetched (spec §6).
func (c *Client) CreateNextGroup(ctx context.Context, region string, form url.Values) (string, error) {
	return c.postExpect302(ctx, fmt.Sprintf("%s/%s/cluster/createNextGroup", c.baseURL, region), form)
}

// ClusterAction posts one of the delete/resize/enable/disable actions
// to {base}/{region}/cluster/index and returns the task URL, which is
// `{Location}.json` per spec §6.
func (c *Client) ClusterAction(ctx context.Context, region, action, name, ticket string) (string, error) {
	form := url.Values{}
	form.Set(fmt.Sprintf("_action_%s", action), "1")
	form.Set("name", name)
	form.Set("ticket", ticket)

	location, err := c.postExpect302(ctx, fmt.Sprintf("%s/%s/cluster/index", c.baseURL, region), form)
	if err != nil {
		return "", err
	}
	return location + ".json", nil
}

// StartHealthCheck kicks off a healthcheck poll for a running ASG:
// kind is "instance" for the per-instance healthcheck of task 2 or
// "elb" for the load-balancer InService check of task 4. Both are
// modeled uniformly with the other cluster actions - the same task-URL
// contract, polled through the same TaskDoc shape - since the remote
// service is a bespoke internal API and nothing in spec.md suggests a
// different wire contract for these two polls.
func (c *Client) StartHealthCheck(ctx context.Context, region, kind, name, ticket string) (string, error) {
	form := url.Values{}
	form.Set("name", name)
	form.Set("ticket", ticket)
	return c.postExpect302(ctx, fmt.Sprintf("%s/%s/cluster/health/%s", c.baseURL, region, kind), form)
}

func (c *Client) postExpect302(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrapf(err, "constructing request %s", endpoint)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "posting to %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		body, _ := ioutil.ReadAll(resp.Body)
		return "", depmodel.NewError(depmodel.KindUnexpectedResponse,
			"the ASG service returned an unexpected response",
			errors.Errorf("POST %s: expected 302, got %d: %s", endpoint, resp.StatusCode, body))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", depmodel.NewError(depmodel.KindUnexpectedResponse,
			"the ASG service's redirect carried no Location header",
			errors.Errorf("POST %s: 302 with no Location", endpoint))
	}
	return location, nil
}

// NewFromConfig is a convenience wrapper around New.
func NewFromConfig(cfg Config) *Client {
	return New(cfg.BaseURL, cfg.ConnectTimeout, cfg.ReadTimeout)
}

// FetchTask retrieves and parses a task document by URL (spec §6).
// lastSeenUpdateTime is unused here - it only matters to a caching
// Fetcher - and is accepted so Client satisfies tracker.Fetcher
// alongside CachedClient.
func (c *Client) FetchTask(ctx context.Context, taskURL, lastSeenUpdateTime string) (*TaskDoc, error) {
	req, err := http.NewRequest(http.MethodGet, taskURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "constructing request %s", taskURL)
	}
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching task %s", taskURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return nil, depmodel.NewError(depmodel.KindUnexpectedResponse,
			"the ASG service returned an unexpected response fetching a task",
			errors.Errorf("GET %s: expected 200, got %d: %s", taskURL, resp.StatusCode, body))
	}

	return decodeTaskDoc(resp.Body)
}

// SecurityGroups lists the region's security groups by name, used to
// translate names to ids before posting (spec §6).
func (c *Client) SecurityGroups(ctx context.Context, region string) (map[string]string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/%s/securityGroups", c.baseURL, region), nil)
	if err != nil {
		return nil, errors.Wrap(err, "constructing security group listing request")
	}
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "listing security groups")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return nil, depmodel.NewError(depmodel.KindUnexpectedResponse,
			"the ASG service returned an unexpected response listing security groups",
			errors.Errorf("GET securityGroups: expected 200, got %d: %s", resp.StatusCode, body))
	}
	return decodeSecurityGroups(resp.Body)
}
