// Package letta is the HTTP adapter for the external agent service. It owns
// agent discovery, conversation lifecycle, and message submission in both
// streaming and non-streaming form.
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ajisai/watari/common/redact"
	"github.com/ajisai/watari/common/retry"
	"github.com/ajisai/watari/internal/watari/fault"
)

// pageSize is the agent-list page size. Discovery iterates pages until the
// service returns a short page, so fleets larger than one page are fully
// enumerated.
const pageSize = 50

// Config holds agent-service connection settings.
type Config struct {
	// BaseURL is the service root, e.g. "https://letta.example.org".
	BaseURL string
	// Token is the bearer token for every request.
	Token string
	// RequestTimeout bounds non-streaming calls. Defaults to 30s.
	RequestTimeout time.Duration
}

// Client talks to the agent service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	// stream requests must outlive RequestTimeout; they get a client with no
	// overall timeout and rely on the caller's context.
	streamHTTP *http.Client
}

// Agent is one row of the service's agent registry.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// New creates a client. No network calls are made.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("letta: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("letta: Token is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		streamHTTP: &http.Client{},
	}, nil
}

// ListAgents returns the complete agent registry, walking every page. A
// partial listing would make the reconciler soft-delete live agents, so any
// page failure aborts the whole listing.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var all []Agent
	after := ""
	for {
		q := url.Values{"limit": {strconv.Itoa(pageSize)}}
		if after != "" {
			q.Set("after", after)
		}
		var page []Agent
		if err := c.getJSON(ctx, "/v1/agents/?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// HistoryMessage is one prior message from an agent's context, used for the
// bounded history import at provisioning time.
type HistoryMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// RecentMessages returns up to limit of the agent's most recent messages,
// oldest first. A service that does not retain history returns an empty
// slice, not an error.
func (c *Client) RecentMessages(ctx context.Context, agentID string, limit int) ([]HistoryMessage, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var msgs []HistoryMessage
	err := c.getJSON(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/messages?"+q.Encode(), &msgs)
	if fault.KindOf(err) == fault.KindNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("letta: build request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("letta: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("letta: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport("letta."+req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classifyStatus("letta."+req.URL.Path, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.New(fault.KindMalformedInput, "letta.decode", err)
	}
	return nil
}

// classifyStatus maps an HTTP error status into a fault kind. The body is
// drained and bounded into the error for logs; it never reaches rooms, and
// the bearer token is scrubbed in case the service echoes the request.
func (c *Client) classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s",
		resp.StatusCode, redact.String(string(bytes.TrimSpace(body)), c.token))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fault.New(fault.KindNotFound, op, err)
	case resp.StatusCode == http.StatusConflict:
		return fault.New(fault.KindConflict, op, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.New(fault.KindRateLimited, op, err)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.KindAuthExpired, op, err)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return fault.New(fault.KindMalformedInput, op, err)
	case resp.StatusCode >= 500:
		return fault.New(fault.KindTransientNetwork, op, err)
	default:
		return fault.New(fault.KindUnknown, op, err)
	}
}

func classifyTransport(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.KindTransientNetwork, op, err)
	}
	return fault.New(fault.KindUnknown, op, err)
}

// busyRetryConfig is the submit backoff for a busy agent: 1s, 2s, 4s delays,
// then the failure surfaces to the room as a timeout.
var busyRetryConfig = retry.Config{
	MaxAttempts:  4,
	InitialDelay: time.Second,
	MaxDelay:     8 * time.Second,
	ShouldRetry: func(err error) bool {
		k := fault.KindOf(err)
		return k == fault.KindConflict || fault.Retryable(k)
	},
}

func doWithBusyRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, busyRetryConfig, fn)
}
