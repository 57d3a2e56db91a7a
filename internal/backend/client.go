// Package backend is a client for the hosted Postgres-as-a-service backend:
// REST row access, password auth, storage buckets and the realtime change
// feed. Every HTTP call goes through one circuit breaker and rate limiter.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wpweb/internal/metrics"
)

// Options configures a Client.
type Options struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Storage           SessionStorage
	Logger            *zap.Logger
}

// Client talks to one backend project.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	limiter *rate.Limiter
	log     *zap.Logger

	auth     *AuthClient
	realtime *Realtime
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// New validates opts and builds a client. It returns ErrNotConfigured when
// the URL or key is missing.
func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.APIKey == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.URL)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}

	c := &Client{
		base:    base,
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Named("backend"),
	}
	c.breaker = newBreaker("backend", c.log)
	c.auth = newAuthClient(c, opts.Storage)
	c.realtime = newRealtime(c)
	c.auth.OnAuthStateChange(func(ch AuthChange) {
		token := c.apiKey
		if ch.Session != nil {
			token = ch.Session.AccessToken
		}
		c.realtime.SetAuth(token)
	})
	return c, nil
}

// Auth returns the auth client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Realtime returns the realtime client.
func (c *Client) Realtime() *Realtime { return c.realtime }

// Close stops background work: token refresh and the realtime connection.
func (c *Client) Close() error {
	c.auth.StopAutoRefresh()
	return c.realtime.Close()
}

func newBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker[*response] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		// Client errors are the caller's fault and must not open the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var be *Error
			return errors.As(err, &be) && be.Status > 0 && be.Status < 500 && be.Status != http.StatusTooManyRequests
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type request struct {
	service     string
	method      string
	path        string
	query       url.Values
	header      http.Header
	body        []byte
	contentType string
	// bearer overrides the Authorization token; empty uses the session or api key.
	bearer string
}

// send performs r and returns the response of a 2xx call. Non-2xx responses
// become *Error.
func (c *Client) send(ctx context.Context, op string, r request) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, cause: err}
	}
	return c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, op, r)
	})
}

func (c *Client) roundTrip(ctx context.Context, op string, r request) (*response, error) {
	u := *c.base
	// r.path is already escaped.
	u.RawPath = c.base.EscapedPath() + r.path
	u.Path, _ = url.PathUnescape(u.RawPath)
	if len(r.query) > 0 {
		u.RawQuery = encodeQuery(r.query)
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, &Error{Op: op, cause: err}
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("apikey", c.apiKey)
	token := r.bearer
	if token == "" {
		token = c.auth.accessToken()
	}
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveBackend(r.service, r.method, 0, start)
		return nil, &Error{Op: op, cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.ObserveBackend(r.service, r.method, resp.StatusCode, start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("backend call failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return nil, parseError(op, resp.StatusCode, data)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// encodeQuery keeps PostgREST operator syntax readable: only characters that
// would break the query string are escaped.
func encodeQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(escapeValue(v))
		}
	}
	return b.String()
}

var valueEscaper = strings.NewReplacer("%", "%25", "&", "%26", "+", "%2B", "#", "%23", " ", "%20", "=", "%3D", `"`, "%22")

func escapeValue(v string) string {
	return valueEscaper.Replace(v)
}

func decode(body []byte, dest any) error {
	if dest == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dest)
}
