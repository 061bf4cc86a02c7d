package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gmail sends messages as HTML mail through the Gmail API.
type Gmail struct {
	service *gmail.Service
	logger  *slog.Logger
	to      string
}

// NewGmailService creates a Gmail API client. Explicit credentials win; otherwise
// Application Default Credentials are used, which only works on GCP.
func NewGmailService(ctx context.Context, credentialsJSON string) (*gmail.Service, error) {
	if credentialsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("google credentials required when not running on GCP")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// NewGmail creates a Gmail transport delivering to the given address.
func NewGmail(service *gmail.Service, to string, logger *slog.Logger) *Gmail {
	return &Gmail{
		service: service,
		logger:  logger,
		to:      to,
	}
}

// Name identifies the transport in logs.
func (g *Gmail) Name() string {
	return "gmail"
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func createMIMEMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeEmailHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	// Pushover renders newlines; mail clients need explicit breaks.
	msg.WriteString(strings.ReplaceAll(htmlBody, "\n", "<br>\n"))
	return msg.String()
}

// Send sends msg via the Gmail API. The From address is set by the authenticated account.
func (g *Gmail) Send(ctx context.Context, msg Message) Result {
	encoded := base64.URLEncoding.EncodeToString([]byte(createMIMEMessage(g.to, msg.Title, msg.Body)))

	g.logger.Debug("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send",
		"to", g.to)

	_, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: encoded,
	}).Context(ctx).Do()
	if err != nil {
		return classifyGmail(err)
	}
	return Result{Class: Delivered, Status: http.StatusOK}
}

func classifyGmail(err error) Result {
	// A revoked refresh token or bad client fails at the token endpoint, before the API is reached.
	var tokenErr *oauth2.RetrieveError
	if errors.As(err, &tokenErr) {
		res := Result{Class: TransportError, Err: fmt.Errorf("refresh token: %w", err)}
		if tokenErr.Response != nil {
			res.Status = tokenErr.Response.StatusCode
			if res.Status == http.StatusBadRequest || res.Status == http.StatusUnauthorized {
				res.Class = InvalidCredentials
			}
		}
		return res
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return Result{Class: TransportError, Err: fmt.Errorf("send message: %w", err)}
	}

	res := Result{Status: apiErr.Code, Err: fmt.Errorf("send message: %w", err)}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		res.Class = RateLimited
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		res.Class = InvalidCredentials
	case apiErr.Code == http.StatusBadRequest:
		res.Class = MalformedRequest
	default:
		res.Class = TransportError
	}
	return res
}
