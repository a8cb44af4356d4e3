// Package feed fetches the active alert set from the National Weather Service.
//
// The endpoint has no delta or cursor: every call returns the full active set
// and the dedup layer decides what is new.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wxalert/internal/alert"
	logx "wxalert/pkg/logx"
)

const (
	DefaultBaseURL   = "https://api.weather.gov"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "wxalert/1.0 (severe weather notifier)"

	// FallbackTTL dates an alert that carries no usable expiry, counted from
	// its effective or sent time, or from the fetch when it has neither.
	FallbackTTL = 6 * time.Hour

	activePath   = "/alerts/active"
	maxBodyBytes = 32 << 20
)

// Fetcher returns the full current active alert set.
type Fetcher interface {
	Fetch(ctx context.Context) ([]alert.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]alert.Record, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]alert.Record, error) { return f(ctx) }

// FetchError wraps network, HTTP, timeout and decoding failures. The next
// scheduled poll is the retry.
type FetchError struct {
	Op         string // "request", "status", "decode"
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed %s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

type Config struct {
	BaseURL   string
	UserAgent string
	Area      string // state/marine area code, e.g. "OK"
	Point     string // "lat,lon"
	Timeout   time.Duration
	// RatePerSec bounds outgoing requests when > 0. Manual refreshes and
	// several pollers share one client.
	RatePerSec float64
}

// Client is the NWS active alerts client.
type Client struct {
	baseURL    string
	userAgent  string
	query      url.Values
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	q := url.Values{}
	q.Set("status", "actual")
	if a := strings.TrimSpace(cfg.Area); a != "" {
		q.Set("area", strings.ToUpper(a))
	}
	if p := strings.TrimSpace(cfg.Point); p != "" {
		q.Set("point", p)
	}

	c := &Client{
		baseURL:    base,
		userAgent:  ua,
		query:      q,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

// URL returns the request URL.
func (c *Client) URL() string {
	return c.baseURL + activePath + "?" + c.query.Encode()
}

func (c *Client) Fetch(ctx context.Context) ([]alert.Record, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Op: "request", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, &FetchError{Op: "request", Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/geo+json, application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Op:         "status",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	var body collection
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, &FetchError{Op: "decode", Err: err}
	}

	fetched := time.Now()
	out := make([]alert.Record, 0, len(body.Features))
	for _, f := range body.Features {
		out = append(out, f.record(fetched))
	}
	c.log.Debug("feed fetched",
		logx.Int("count", len(out)),
		logx.Duration("took", time.Since(started)),
	)
	return out, nil
}

// GeoJSON wire types.

type collection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID       string    `json:"id"`
	Geometry *geometry `json:"geometry"`
	Props    props     `json:"properties"`
}

type geometry struct {
	Type string `json:"type"`
}

type props struct {
	ID          string `json:"id"`
	Event       string `json:"event"`
	Headline    string `json:"headline"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
	AreaDesc    string `json:"areaDesc"`
	Severity    string `json:"severity"`
	Urgency     string `json:"urgency"`
	Certainty   string `json:"certainty"`
	Sent        string `json:"sent"`
	Effective   string `json:"effective"`
	Expires     string `json:"expires"`
	Ends        string `json:"ends"`
}

func (f feature) record(fetched time.Time) alert.Record {
	p := f.Props
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = strings.TrimSpace(f.ID)
	}
	var geom string
	if f.Geometry != nil {
		geom = f.Geometry.Type
	}
	sent, effective := parseTime(p.Sent), parseTime(p.Effective)
	return alert.Record{
		ID:           id,
		Event:        p.Event,
		Headline:     p.Headline,
		Description:  p.Description,
		Instruction:  p.Instruction,
		AreaDesc:     p.AreaDesc,
		Severity:     p.Severity,
		Urgency:      p.Urgency,
		Certainty:    p.Certainty,
		Sent:         sent,
		Effective:    effective,
		Expires:      expiry(p, sent, effective, fetched),
		GeometryType: geom,
	}
}

// expiry is the alert's expires time, else its ends time, else FallbackTTL
// after the latest known of effective, sent and fetched.
func expiry(p props, sent, effective, fetched time.Time) time.Time {
	if t := parseTime(p.Expires); !t.IsZero() {
		return t
	}
	if t := parseTime(p.Ends); !t.IsZero() {
		return t
	}
	base := effective
	if sent.After(base) {
		base = sent
	}
	if base.IsZero() {
		base = fetched
	}
	return base.Add(FallbackTTL)
}

// parseTime returns the zero time for empty or malformed input.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
