package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// PushoverEndpoint is the Pushover message API.
const PushoverEndpoint = "https://api.pushover.net/1/messages.json"

const pushoverKeyLength = 30

// NormalizePushoverKey lower-cases key and checks it is 30 ASCII letters or digits.
func NormalizePushoverKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if len(key) != pushoverKeyLength {
		return "", fmt.Errorf("pushover key must be %d characters, got %d", pushoverKeyLength, len(key))
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("pushover key contains invalid character %q", r)
		}
	}
	return key, nil
}

// Pushover sends messages to a Pushover user or group key.
type Pushover struct {
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	endpoint string
	token    string
	user     string
}

// PushoverConfig configures the Pushover transport.
type PushoverConfig struct {
	Endpoint string
	Token    string // application API token
	User     string // user or group key
	// PerMinute caps outgoing requests; zero means 10.
	PerMinute int
}

// NewPushover creates a Pushover transport.
func NewPushover(client *http.Client, cfg PushoverConfig, logger *slog.Logger) *Pushover {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = PushoverEndpoint
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 10
	}
	return &Pushover{
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
		logger:   logger,
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		user:     cfg.User,
	}
}

// Name identifies the transport in logs.
func (p *Pushover) Name() string {
	return "pushover"
}

type pushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Token   string   `json:"token"`
	User    string   `json:"user"`
	Errors  []string `json:"errors"`
}

// Send posts msg to the Pushover API.
func (p *Pushover) Send(ctx context.Context, msg Message) Result {
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{Class: TransportError, Err: fmt.Errorf("wait for rate limiter: %w", err)}
	}

	form := url.Values{
		"token":   {p.token},
		"user":    {p.user},
		"title":   {msg.Title},
		"message": {msg.Body},
		"html":    {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Class: MalformedRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p.logger.Debug("Pushover request starting", "method", "POST", "event_count", len(msg.Events))

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Class: TransportError, Err: fmt.Errorf("post message: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{Class: TransportError, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	var pr pushoverResponse
	// The body is informational; classification falls back to the status code.
	_ = json.Unmarshal(body, &pr)

	return classifyPushover(resp.StatusCode, pr)
}

func classifyPushover(status int, pr pushoverResponse) Result {
	res := Result{Status: status}
	switch {
	case status >= 200 && status < 300:
		res.Class = Delivered
		return res
	case status == http.StatusTooManyRequests:
		res.Class = RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		res.Class = InvalidCredentials
	case status == http.StatusBadRequest && (pr.Token == "invalid" || pr.User == "invalid"):
		res.Class = InvalidCredentials
	case status >= 400 && status < 500:
		res.Class = MalformedRequest
	default:
		res.Class = TransportError
	}

	if len(pr.Errors) > 0 {
		res.Err = errors.New(strings.Join(pr.Errors, "; "))
	} else {
		res.Err = fmt.Errorf("HTTP %d", status)
	}
	return res
}
