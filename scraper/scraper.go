// Package scraper handles fetching and parsing halbooking event listing pages.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the listing endpoint of the KTK tennis club.
const DefaultBaseURL = "https://ktk-tennis.halbooking.dk/newlook/proc_liste.asp"

const defaultMaxBodySize = 10 << 20

// Page is the raw markup of one listing page.
type Page struct {
	URL   string
	Index int
	Body  []byte
}

// FetchError reports a listing page that could not be retrieved.
type FetchError struct {
	URL    string
	Status int // 0 for network errors
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a fetch error.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// permanent reports whether retrying the request cannot help.
func (e *FetchError) permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Config controls pagination and retries.
type Config struct {
	BaseURL  string
	MaxPages int
	Attempts uint
	// MaxBodySize caps a single page in bytes; zero means 10 MiB.
	MaxBodySize int64
}

// Scraper fetches listing pages.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	maxPages int
	attempts uint
	maxBody  int64
}

// New creates a new scraper. A cookie jar is attached to the client when it has none,
// since the site only serves the later pages to a session that loaded the first one.
func New(client *http.Client, cfg Config, logger *slog.Logger) (*Scraper, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c := *client
		c.Jar = jar
		client = &c
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Scraper{
		client:   client,
		logger:   logger,
		baseURL:  cfg.BaseURL,
		maxPages: cfg.MaxPages,
		attempts: cfg.Attempts,
		maxBody:  cfg.MaxBodySize,
	}, nil
}

// Fetch retrieves the listing, following the infinite-scroll pages until a page adds no
// row ids that earlier pages didn't already have, or the page limit is reached.
func (s *Scraper) Fetch(ctx context.Context) ([]Page, error) {
	seen := make(map[string]struct{})
	var pages []Page

	for i := range s.maxPages {
		pageURL := PageURL(s.baseURL, i)
		body, err := s.fetchSinglePage(ctx, pageURL)
		if err != nil {
			return nil, err
		}

		ids, err := rowIDs(body)
		if err != nil {
			// Let extraction report the broken page.
			pages = append(pages, Page{URL: pageURL, Index: i, Body: body})
			break
		}

		added := 0
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				added++
			}
		}

		s.logger.Debug("Listing page fetched", "page", i, "rows", len(ids), "new_rows", added)

		if i > 0 && added == 0 {
			break
		}
		pages = append(pages, Page{URL: pageURL, Index: i, Body: body})
		if added == 0 {
			// Empty first page.
			break
		}
		if i == s.maxPages-1 {
			s.logger.Warn("Listing page limit reached", "max_pages", s.maxPages, "rows", len(seen))
		}
	}

	s.logger.Info("Listing fetched", "pages", len(pages), "rows", len(seen))
	return pages, nil
}

// PageURL returns the address of listing page index (0-based).
func PageURL(baseURL string, index int) string {
	if index <= 0 {
		return baseURL + "?pid=01"
	}
	return fmt.Sprintf("%s?liste=liste1&forrigetype=203&seson=0&scroll=%d&pid=01", baseURL, index-1)
}

func (s *Scraper) fetchSinglePage(ctx context.Context, pageURL string) ([]byte, error) {
	var body []byte
	var lastErr *FetchError

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				lastErr = &FetchError{URL: pageURL, Err: fmt.Errorf("create request: %w", err)}
				return retry.Unrecoverable(lastErr)
			}

			// Set essential Chrome-like headers to avoid getting blocked
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "da-DK,da;q=0.9,en;q=0.8")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				lastErr = &FetchError{URL: pageURL, Err: err}
				return lastErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				lastErr = &FetchError{URL: pageURL, Status: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
				if lastErr.permanent() {
					// Client errors other than rate limiting won't fix themselves
					return retry.Unrecoverable(lastErr)
				}
				return lastErr
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
			if err != nil {
				lastErr = &FetchError{URL: pageURL, Err: fmt.Errorf("read body: %w", err)}
				return lastErr
			}
			if int64(len(body)) > s.maxBody {
				body = nil
				lastErr = &FetchError{URL: pageURL, Err: fmt.Errorf("body exceeds %d bytes", s.maxBody)}
				return retry.Unrecoverable(lastErr)
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil && ctx.Err() == nil {
			return nil, lastErr
		}
		return nil, &FetchError{URL: pageURL, Err: fmt.Errorf("after retries: %w", err)}
	}

	return body, nil
}

func rowIDs(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var ids []string
	doc.Find(rowSelector).Each(func(_ int, s *goquery.Selection) {
		if id, ok := s.Attr("id"); ok && strings.TrimSpace(id) != "" {
			ids = append(ids, strings.TrimSpace(id))
		}
	})
	return ids, nil
}
