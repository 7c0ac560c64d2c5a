package puppetdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/itskum47/PuppetLens/dashboard/observability"
)

const (
	endpointEnvironments = "environments"
	endpointNodes        = "nodes"
	endpointReports      = "reports"
	endpointEvents       = "events"
	endpointStatus       = "status"

	queryPrefix = "/pdb/query/v4/"
	statusPath  = "/status/v1/services/puppetdb-status"

	maxResponseBytes = 64 << 20
)

// AllEnvironments selects nodes and events of every environment.
const AllEnvironments = "*"

// Client queries PuppetDB. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	tls     *tls.Config

	attempts uint
	delay    time.Duration
	maxDelay time.Duration

	limiter *rate.Limiter
	breaker *Breaker
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the HTTP client. WithTimeout and WithTLS do not
// apply to a client supplied this way.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithRetry sets how often a failed request is attempted and the backoff
// between attempts.
func WithRetry(attempts uint, delay, maxDelay time.Duration) Option {
	return func(c *Client) error {
		if attempts == 0 {
			attempts = 1
		}
		c.attempts = attempts
		c.delay = delay
		c.maxDelay = maxDelay
		return nil
	}
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithBreaker fails fast after threshold consecutive failures.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) error {
		c.breaker = NewBreaker(threshold, cooldown)
		return nil
	}
}

// WithTLS configures client certificates and server verification. Empty
// paths are skipped.
func WithTLS(certFile, keyFile, caFile string, verify bool) Option {
	return func(c *Client) error {
		cfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verify, //nolint:gosec // operator opt-out (PUPPETDB_SSL_VERIFY=false)
		}
		if certFile != "" || keyFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return fmt.Errorf("load client certificate: %w", err)
			}
			cfg.Certificates = []tls.Certificate{cert}
		}
		if caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				return fmt.Errorf("read CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("no certificates found in %s", caFile)
			}
			cfg.RootCAs = pool
		}
		c.tls = cfg
		return nil
	}
}

// New creates a client for the PuppetDB at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid puppetdb url %q", baseURL)
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  30 * time.Second,
		attempts: 3,
		delay:    500 * time.Millisecond,
		maxDelay: 5 * time.Second,
		breaker:  NewBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.http == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.tls != nil {
			transport.TLSClientConfig = c.tls
		}
		c.http = &http.Client{Transport: transport, Timeout: c.timeout}
	}
	return c, nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() CircuitState {
	return c.breaker.State()
}

// Environments lists environment names, sorted.
func (c *Client) Environments(ctx context.Context) ([]string, error) {
	var envs []Environment
	if err := c.get(ctx, endpointEnvironments, queryPrefix+endpointEnvironments, nil, &envs); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(envs))
	for _, e := range envs {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Nodes lists nodes matching q.
func (c *Client) Nodes(ctx context.Context, q Query) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, endpointNodes, queryPrefix+endpointNodes, queryParams(q), &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ActiveNodesQuery selects non-deactivated nodes whose catalog is in env.
func ActiveNodesQuery(env string) Query {
	var byEnv Query
	if env != "" && env != AllEnvironments {
		byEnv = Equals("catalog_environment", env)
	}
	return And(byEnv, Null("deactivated", true))
}

// ActiveNodes lists the non-deactivated nodes of env.
func (c *Client) ActiveNodes(ctx context.Context, env string) ([]Node, error) {
	return c.Nodes(ctx, ActiveNodesQuery(env))
}

// Reports lists reports matching q, newest first. limit <= 0 means no limit.
func (c *Client) Reports(ctx context.Context, q Query, limit int) ([]Report, error) {
	params := queryParams(q)
	params.Set("order_by", `[{"field":"receive_time","order":"desc"}]`)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var reports []Report
	if err := c.get(ctx, endpointReports, queryPrefix+endpointReports, params, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// Events lists resource events matching q.
func (c *Client) Events(ctx context.Context, q Query) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, endpointEvents, queryPrefix+endpointEvents, queryParams(q), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ReportEventsQuery selects the events of one report.
func ReportEventsQuery(reportHash, env string) Query {
	var byEnv Query
	if env != "" && env != AllEnvironments {
		byEnv = Equals("environment", env)
	}
	return And(Equals("report", reportHash), byEnv)
}

// ReportEvents lists the events of one report.
func (c *Client) ReportEvents(ctx context.Context, reportHash, env string) ([]Event, error) {
	return c.Events(ctx, ReportEventsQuery(reportHash, env))
}

// Status returns PuppetDB's own service status.
func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.get(ctx, endpointStatus, statusPath, nil, &st)
	return st, err
}

func queryParams(q Query) url.Values {
	params := url.Values{}
	if !q.IsZero() {
		params.Set("query", q.String())
	}
	return params
}

// get runs one GET with breaker, pacing and retry. Errors that a retry
// cannot fix end the loop early.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	if !c.breaker.Allow() {
		observability.BackendFailures.WithLabelValues(endpoint, "circuit_open").Inc()
		return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, endpoint, ErrCircuitOpen)
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	err := retry.Do(func() error {
		err := c.do(ctx, endpoint, target, out)
		if err != nil && !retryable(err) {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.WrapContextErrorWithLastError(true),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(c.maxDelay),
	)

	switch {
	case err == nil:
		c.breaker.RecordSuccess()
		return nil
	case ctx.Err() != nil:
		// The caller gave up; say nothing about PuppetDB's health
		c.breaker.Release()
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	case !retry.IsRecoverable(err):
		// PuppetDB answered; only transport-level trouble counts against it
		c.breaker.RecordSuccess()
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	c.breaker.RecordFailure()
	log.Printf("[PUPPETDB] %s failed after %d attempts: %v", endpoint, c.attempts, err)
	return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
}

func (c *Client) do(ctx context.Context, endpoint, target string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.BackendLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.BackendFailures.WithLabelValues(endpoint, "transport").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observability.BackendFailures.WithLabelValues(endpoint, "transport").Inc()
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		observability.BackendFailures.WithLabelValues(endpoint, "status").Inc()
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		observability.BackendFailures.WithLabelValues(endpoint, "decode").Inc()
		return &decodeError{endpoint: endpoint, err: err}
	}
	return nil
}
