package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ratings-tracker/internal/config"
	"ratings-tracker/internal/domain"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

var (
	ErrNotRegistered = errors.New("user not registered")
	ErrTransient     = errors.New("transient source error")
)

// Kind tags the three possible results of a fetch.
type Kind int

const (
	Found Kind = iota
	NotRegistered
	TransientError
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case NotRegistered:
		return "not_registered"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of FetchRatings. Snapshot is set only for Found, Err only for TransientError.
type Outcome struct {
	Kind     Kind
	Snapshot domain.Snapshot
	Err      error
}

func found(s domain.Snapshot) Outcome { return Outcome{Kind: Found, Snapshot: s} }

func transient(format string, args ...any) Outcome {
	return Outcome{Kind: TransientError, Err: fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))}
}

// Source resolves a normalized identifier to its current ratings.
type Source interface {
	FetchRatings(ctx context.Context, id string) Outcome
}

type ShowdownClient struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
	limiter *rate.Limiter

	rateLimitMu sync.RWMutex
	rateLimit   RateLimitInfo
}

type RateLimitInfo struct {
	Throttled  int           `json:"throttled"`
	RetryAfter time.Duration `json:"retry_after"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ThrottleReporter is implemented by sources that track upstream rate limiting.
type ThrottleReporter interface {
	GetRateLimitInfo() RateLimitInfo
}

var (
	_ Source           = (*ShowdownClient)(nil)
	_ ThrottleReporter = (*ShowdownClient)(nil)
)

func NewShowdownClient(cfg *config.Config) *ShowdownClient {
	burst := int(cfg.Source.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &ShowdownClient{
		baseURL: strings.TrimRight(cfg.SourceBaseURL, "/"),
		timeout: cfg.Source.FetchTimeout,
		client: &fasthttp.Client{
			MaxConnsPerHost:     32,
			ReadTimeout:         cfg.Source.FetchTimeout,
			WriteTimeout:        cfg.Source.FetchTimeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.Source.RateLimit), burst),
	}
}

func (c *ShowdownClient) GetRateLimitInfo() RateLimitInfo {
	c.rateLimitMu.RLock()
	defer c.rateLimitMu.RUnlock()
	return c.rateLimit
}

func (c *ShowdownClient) recordThrottle(resp *fasthttp.Response) time.Duration {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	c.rateLimit.Throttled++
	c.rateLimit.RetryAfter = 0
	if v := string(resp.Header.Peek("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.rateLimit.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	c.rateLimit.UpdatedAt = time.Now()
	return c.rateLimit.RetryAfter
}

// FetchRatings never returns a Go error: network failures, timeouts and unexpected
// statuses all surface as TransientError.
func (c *ShowdownClient) FetchRatings(ctx context.Context, id string) Outcome {
	if id == "" {
		return Outcome{Kind: NotRegistered}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return transient("rate limiter: %v", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/users/%s.json", c.baseURL, url.PathEscape(id)))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return transient("request %s: %v", id, err)
	}

	switch status := resp.StatusCode(); status {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return Outcome{Kind: NotRegistered}
	case fasthttp.StatusTooManyRequests:
		retry := c.recordThrottle(resp)
		return transient("rate limited, retry after %s", retry)
	default:
		return transient("API error: %d", status)
	}

	snap, err := parseUser(resp.Body())
	if err != nil {
		return transient("parse %s: %v", id, err)
	}
	return found(snap)
}

type userResponse struct {
	Username string          `json:"username"`
	UserID   string          `json:"userid"`
	Ratings  json.RawMessage `json:"ratings"`
}

type ratingEntry struct {
	Elo json.RawMessage `json:"elo"`
}

func parseUser(body []byte) (domain.Snapshot, error) {
	var u userResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return domain.Snapshot{}, err
	}
	if u.Username == "" {
		return domain.Snapshot{}, errors.New("missing username")
	}
	ratings, err := parseRatings(u.Ratings)
	if err != nil {
		return domain.Snapshot{}, err
	}

	snap := domain.Snapshot{
		DisplayName:    u.Username,
		CategoryValues: make(map[string]float64, len(ratings)),
	}
	for category, raw := range ratings {
		var entry ratingEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if elo, ok := parseElo(entry.Elo); ok {
			snap.CategoryValues[category] = elo
		}
	}
	return snap, nil
}

// parseRatings accepts the ratings object; users with no ladder history get an empty array.
func parseRatings(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("missing ratings")
	}
	if trimmed == "[]" {
		return map[string]json.RawMessage{}, nil
	}
	var ratings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &ratings); err != nil {
		return nil, fmt.Errorf("ratings: %w", err)
	}
	return ratings, nil
}

// parseElo accepts the elo as a JSON number or a numeric string.
func parseElo(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
