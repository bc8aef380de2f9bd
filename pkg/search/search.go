package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const searchPath = "/2/tweets/search/recent"

// Item is a single post as returned by the search endpoint.
// CreatedAt is empty when the source omitted it.
type Item struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Meta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token,omitempty"`
}

// Page is one decoded search response.
type Page struct {
	Data []Item `json:"data"`
	Meta Meta   `json:"meta"`
}

// NextToken returns the continuation token, empty on the last page.
func (p *Page) NextToken() string {
	return p.Meta.NextToken
}

type PageRequest struct {
	Query     string
	Fields    string
	PageSize  int
	NextToken string
}

var ErrRateLimited = errors.New("rate limited")

// StatusError is returned for any non-200, non-429 response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	Logger  *slog.Logger
	Host    string
	Token   string
	Limiter *rate.Limiter

	Client *http.Client
}

var tracer = otel.Tracer("search")

// NewClient creates a search client. rps <= 0 disables client-side rate limiting.
func NewClient(host, token string, logger *slog.Logger, rps float64, timeout time.Duration) (*Client, error) {
	logger = logger.With("module", "search")

	if _, err := url.Parse(host); err != nil {
		return nil, fmt.Errorf("failed to parse search host: %w", err)
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	return &Client{
		Logger: logger,
		Host:   host,
		Token:  token,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// FetchPage requests a single page of search results.
// A 429 yields ErrRateLimited and any other non-200 a *StatusError.
func (c *Client) FetchPage(ctx context.Context, pr PageRequest) (*Page, error) {
	ctx, span := tracer.Start(ctx, "FetchPage")
	defer span.End()

	span.SetAttributes(
		attribute.String("query", pr.Query),
		attribute.Bool("has_next_token", pr.NextToken != ""),
	)

	u, err := url.Parse(c.Host + searchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("query", pr.Query)
	if pr.Fields != "" {
		q.Set("tweet.fields", pr.Fields)
	}
	q.Set("max_results", strconv.Itoa(pr.PageSize))
	if pr.NextToken != "" {
		q.Set("next_token", pr.NextToken)
	}
	u.RawQuery = q.Encode()

	c.Logger.Debug("getting page", "url", u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tweet-ingest")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	// Rate limit requests
	err = c.Limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.Logger.Warn("rate limited")
			return nil, ErrRateLimited
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	page := &Page{}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	span.SetAttributes(attribute.Int("items", len(page.Data)))

	return page, nil
}
