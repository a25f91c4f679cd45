package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/tokencount"
)

// CredentialFunc yields a credential snapshot: Acquire for ordinary calls,
// ForceRefresh for the 403 recovery path. The client never talks to the
// credential manager directly.
type CredentialFunc func(ctx context.Context) (*gateway.Credentials, error)

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Config tunes a Client. Zero values take defaults; base URLs are
// overridable for tests.
type Config struct {
	HTTPClient   *http.Client
	ChatBaseURL  string // default https://codewhisperer.{region}.amazonaws.com
	UsageBaseURL string // default https://q.{region}.amazonaws.com
	MaxRetries   int
	BaseDelay    time.Duration
	Logger       *slog.Logger
}

// Client speaks the CodeWhisperer wire protocol for one upstream. Safe for
// concurrent use; the HTTP client pool is shared across requests.
type Client struct {
	httpClient *http.Client
	acquire    CredentialFunc
	refresh    CredentialFunc
	machineID  string
	chatBase   string
	usageBase  string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	counter    *tokencount.Counter
	upstreamID string
}

// NewClient builds a Client for the given upstream.
func NewClient(u *gateway.Upstream, acquire, refresh CredentialFunc, cfg Config) *Client {
	region := u.Region
	if region == "" {
		region = "us-east-1"
	}
	c := &Client{
		httpClient: cfg.HTTPClient,
		acquire:    acquire,
		refresh:    refresh,
		machineID:  machineID(u),
		chatBase:   cfg.ChatBaseURL,
		usageBase:  cfg.UsageBaseURL,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		logger:     cfg.Logger,
		counter:    tokencount.NewCounter(),
		upstreamID: u.ID,
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(nil)
	}
	if c.chatBase == "" {
		c.chatBase = "https://codewhisperer." + region + ".amazonaws.com"
	}
	if c.usageBase == "" {
		c.usageBase = "https://q." + region + ".amazonaws.com"
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// machineID derives the stable per-upstream identifier sent in the
// user-agent headers, mimicking the native desktop client.
func machineID(u *gateway.Upstream) string {
	var profileARN, clientID string
	if u.Credentials != nil {
		profileARN = u.Credentials.ProfileARN
		clientID = u.Credentials.ClientID
	}
	h := sha256.Sum256([]byte(u.UUID + profileARN + clientID + "DEFAULT"))
	return hex.EncodeToString(h[:])
}

const clientVersion = "KiroIDE-0.3.4"

func (c *Client) setHeaders(r *http.Request, accessToken string) {
	ua := "aws-sdk-js/1.0.7 ua/2.1 os/other lang/js md/browser#unknown_unknown api/codewhispererstreaming#1.0.7 m/E " + clientVersion
	r.Header.Set("Content-Type", "application/x-amz-json-1.1")
	r.Header.Set("Authorization", "Bearer "+accessToken)
	r.Header.Set("User-Agent", ua)
	r.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.7 "+clientVersion+"-"+c.machineID)
	r.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	r.Header.Set("amz-sdk-request", "attempt=1; max=1")
}

// chatURL picks the endpoint: amazonq model ids use the SendMessageStreaming
// surface, everything else the assistant-response one.
func (c *Client) chatURL(model string) string {
	if strings.HasPrefix(model, "amazonq") {
		return c.chatBase + "/SendMessageStreaming"
	}
	return c.chatBase + "/generateAssistantResponse"
}

// Stream opens a streaming exchange and returns a channel of canonical
// events. Retries happen only before the first byte; a failure mid-stream
// surfaces as an EventError and closes the channel.
func (c *Client) Stream(ctx context.Context, req *gateway.Request) (<-chan gateway.StreamEvent, error) {
	resp, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan gateway.StreamEvent, 16)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

// Call performs a non-streaming exchange by draining the stream and
// aggregating text, tool calls, and estimated usage.
func (c *Client) Call(ctx context.Context, req *gateway.Request) (*gateway.Completion, error) {
	ch, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var tools gateway.ToolCollector
	for ev := range ch {
		switch ev.Type {
		case gateway.EventText:
			text.WriteString(ev.Text)
		case gateway.EventError:
			return nil, ev.Err
		default:
			tools.Observe(ev)
		}
	}

	out := &gateway.Completion{
		Text:      text.String(),
		ToolCalls: tools.Calls(),
	}
	out.Usage = gateway.Usage{
		InputTokens:  c.counter.EstimateRequest(req),
		OutputTokens: c.counter.CountText(out.Text),
	}
	return out, nil
}

// open sends the chat request, applying the retry policy up to the first
// byte of a successful response: one transparent refresh on 403, backoff
// on 429/5xx/transient network failures.
func (c *Client) open(ctx context.Context, req *gateway.Request) (*http.Response, error) {
	creds, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire credentials: %w", err)
	}

	// The body embeds the social profileArn, so it must be rebuilt whenever
	// the credentials rotate.
	build := func(creds *gateway.Credentials) ([]byte, error) {
		var profileARN string
		if creds.AuthMethod == gateway.AuthMethodSocial {
			profileARN = creds.ProfileARN
		}
		return json.Marshal(buildWireRequest(req, profileARN))
	}
	payload, err := build(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal wire request: %w", err)
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.baseDelay<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(req.Model), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setHeaders(hr, creds.AccessToken)

		resp, err := c.httpClient.Do(hr)
		if err != nil {
			if transientNetErr(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("upstream request: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

		switch {
		case resp.StatusCode == http.StatusForbidden && !refreshed:
			refreshed = true
			creds, err = c.refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("refresh after 403: %w", err)
			}
			if payload, err = build(creds); err != nil {
				return nil, fmt.Errorf("marshal wire request: %w", err)
			}
			attempt-- // the refresh retry does not consume a backoff attempt
			lastErr = apiErr
		case resp.StatusCode == http.StatusPaymentRequired:
			return nil, fmt.Errorf("%w: %s", gateway.ErrQuotaExhausted, apiErr.Body)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = apiErr
		default:
			return nil, fmt.Errorf("%w: %s", gateway.ErrUpstreamError, apiErr)
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %s", gateway.ErrUpstreamError, lastErr)
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	dec := NewDecoder(c.logger)
	emit := func(events []gateway.StreamEvent) error {
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	var err error
	if strings.Contains(resp.Header.Get("Content-Type"), "vnd.amazon.eventstream") {
		err = readFrames(resp.Body, func(payload []byte) error {
			return emit(dec.Feed(payload))
		})
	} else {
		buf := make([]byte, 32<<10)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if err = emit(dec.Feed(buf[:n])); err != nil {
					break
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					err = rerr
				}
				break
			}
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream stream failed",
			slog.String("upstream", c.upstreamID), slog.String("error", err.Error()))
		ch <- gateway.StreamEvent{Type: gateway.EventError, Err: err}
	}
}

// GetUsage fetches the raw usage-limits document for this upstream. Applies
// the same refresh and backoff rules as chat calls.
func (c *Client) GetUsage(ctx context.Context) ([]byte, error) {
	creds, err := c.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire credentials: %w", err)
	}

	q := url.Values{}
	q.Set("isEmailRequired", "true")
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if creds.ProfileARN != "" {
		q.Set("profileArn", creds.ProfileARN)
	}
	target := c.usageBase + "/getUsageLimits?" + q.Encode()

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.baseDelay<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		hr, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(hr, creds.AccessToken)

		resp, err := c.httpClient.Do(hr)
		if err != nil {
			if transientNetErr(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("usage request: %w", err)
		}
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if rerr != nil {
			lastErr = rerr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusForbidden && !refreshed:
			refreshed = true
			creds, err = c.refresh(ctx)
			if err != nil {
				return nil, fmt.Errorf("refresh after 403: %w", err)
			}
			attempt--
			lastErr = &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		default:
			return nil, fmt.Errorf("%w: %s", gateway.ErrUpstreamError,
				&APIError{StatusCode: resp.StatusCode, Body: string(body)})
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %s", gateway.ErrUpstreamError, lastErr)
}

// transientNetErr reports whether err looks like a recoverable network
// failure: timeout, connection reset, broken pipe, or DNS trouble.
func transientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
