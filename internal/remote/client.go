// internal/remote/client.go
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/rmmclient/internal/metrics"
	"github.com/signalnine/rmmclient/internal/protocol"
)

// APIKeyHeader carries the static credential on every request
const APIKeyHeader = "X-API-Key"

const maxErrorBody = 4 << 10

const (
	opFetchStatus  = "fetch_status"
	opUpdateStatus = "update_status"
	opFetchLogs    = "fetch_logs"
	opPushLog      = "push_log"
)

// Config is everything the client needs to reach the management server.
// It is passed in explicitly so several clients can coexist.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	TLSSkipVerify bool
}

// Client talks to the management server. Each call is a single attempt.
type Client struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes a Client
type Option func(*Client)

// WithLogger sets the logger. Requests are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records per-request counters and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the transport-level client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// New creates a client for cfg.BaseURL
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	transport := &http.Transport{}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchStatus reads the machine's current status
func (c *Client) FetchStatus(ctx context.Context, machineID string) (*protocol.Machine, error) {
	var m protocol.Machine
	if err := c.do(ctx, opFetchStatus, http.MethodGet, machineID, "", nil, &m); err != nil {
		return nil, err
	}
	if err := checkMachine(opFetchStatus, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus asks the server to set the machine's status and returns the
// status it confirmed, which may differ from the one requested.
func (c *Client) UpdateStatus(ctx context.Context, machineID, status string) (*protocol.Machine, error) {
	if strings.TrimSpace(status) == "" {
		return nil, fmt.Errorf("%s: %w", opUpdateStatus, ErrEmptyStatus)
	}

	var m protocol.Machine
	body := protocol.StatusUpdate{Status: status}
	if err := c.do(ctx, opUpdateStatus, http.MethodPost, machineID, "status/", body, &m); err != nil {
		return nil, err
	}
	if err := checkMachine(opUpdateStatus, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchLogs returns the machine's logs in server order. No logs is an
// empty slice, not an error.
func (c *Client) FetchLogs(ctx context.Context, machineID string) ([]protocol.LogEntry, error) {
	var logs []protocol.LogEntry
	if err := c.do(ctx, opFetchLogs, http.MethodGet, machineID, "logs/", nil, &logs); err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []protocol.LogEntry{}
	}
	return logs, nil
}

// PushResult reports how far a push got. Entries are sent in order and the
// push stops at the first failure, so everything after FailedIndex was not
// attempted.
type PushResult struct {
	Total       int
	Sent        int
	FailedIndex int // -1 when nothing failed
	Err         error
}

// Unattempted is the number of entries never sent
func (r PushResult) Unattempted() int {
	n := r.Total - r.Sent
	if r.FailedIndex >= 0 {
		n--
	}
	return n
}

// PushLogs posts entries one request at a time. It returns the partial
// result together with the first error.
func (c *Client) PushLogs(ctx context.Context, machineID string, entries []protocol.LogEntry) (PushResult, error) {
	result := PushResult{Total: len(entries), FailedIndex: -1}

	for i, entry := range entries {
		if err := c.do(ctx, opPushLog, http.MethodPost, machineID, "logs/", entry, nil); err != nil {
			result.FailedIndex = i
			result.Err = err
			return result, fmt.Errorf("push log %d of %d: %w", i+1, len(entries), err)
		}
		result.Sent++
	}

	return result, nil
}

// checkMachine rejects bodies like {} or null that decode without error
// but carry no record.
func checkMachine(op string, m *protocol.Machine) error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Status) == "" {
		return &DecodeError{Op: op, Err: ErrIncompleteMachine}
	}
	return nil
}

func (c *Client) endpoint(machineID, suffix string) string {
	u := *c.base
	u.Path = c.base.Path + "machines/" + machineID + "/" + suffix
	u.RawPath = c.base.EscapedPath() + "machines/" + url.PathEscape(machineID) + "/" + suffix
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, machineID, suffix string, in, out any) (err error) {
	target := c.endpoint(machineID, suffix)

	start := time.Now()
	statusCode := 0
	defer func() {
		elapsed := time.Since(start)
		c.metrics.ObserveRequest(op, err, elapsed)
		fields := []zap.Field{
			zap.String("op", op),
			zap.String("machine_id", machineID),
			zap.Int("status_code", statusCode),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			c.log.Debug("remote request failed", append(fields, zap.Error(err))...)
			return
		}
		c.log.Debug("remote request", fields...)
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}
