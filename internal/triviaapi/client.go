package triviaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mkim-dev/quizduel/internal/duel"
)

// HeaderProvider allows injecting per-request headers (API keys etc.)
type HeaderProvider func() map[string]string

// Client fetches question decks from a remote trivia HTTP API. It satisfies
// the deck.Provisioner contract so matches can be provisioned from a remote
// source instead of the embedded bank.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	timeout  time.Duration
	retryMax int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		timeout:  10 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type questionDTO struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Category     string   `json:"category"`
	Difficulty   string   `json:"difficulty"`
}

type questionsResponse struct {
	Questions []questionDTO `json:"questions"`
}

// BuildDeck requests exactly rounds questions matching the filters. Short or
// malformed responses are errors; the caller compensates at the lobby layer.
func (c *Client) BuildDeck(ctx context.Context, category, difficulty string, rounds int) ([]duel.Question, error) {
	q := url.Values{}
	q.Set("amount", strconv.Itoa(rounds))
	if category != "" {
		q.Set("category", category)
	}
	if difficulty != "" {
		q.Set("difficulty", difficulty)
	}

	var resp questionsResponse
	if err := c.getJSON(ctx, "/questions?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Questions) < rounds {
		return nil, fmt.Errorf("trivia api returned %d questions, want %d", len(resp.Questions), rounds)
	}

	deck := make([]duel.Question, 0, rounds)
	for _, dto := range resp.Questions[:rounds] {
		if strings.TrimSpace(dto.Text) == "" || len(dto.Options) < 2 {
			return nil, fmt.Errorf("trivia api returned malformed question %q", truncate(dto.Text, 64))
		}
		if dto.CorrectIndex < 0 || dto.CorrectIndex >= len(dto.Options) {
			return nil, fmt.Errorf("trivia api correct index %d out of range for %q", dto.CorrectIndex, truncate(dto.Text, 64))
		}
		deck = append(deck, duel.Question{
			Text:         dto.Text,
			Options:      dto.Options,
			CorrectIndex: dto.CorrectIndex,
			Category:     dto.Category,
			Difficulty:   dto.Difficulty,
		})
	}
	return deck, nil
}

// Health probes the API so the check command can report connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

// getJSON performs a GET with retry on transport errors and retryable
// statuses, honoring whichever of ctx and the client timeout is tighter.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	attempts := c.retryMax
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepWithContext(ctx, backoffDuration(attempt-1)); err != nil {
				return lastErr
			}
		}

		if err := c.http.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("trivia api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) deadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
