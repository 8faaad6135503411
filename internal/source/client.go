// Package source fetches and parses the permalink list for a run.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/resolver"
)

// permalinkPattern matches forum post permalinks for the supported boards.
var permalinkPattern = regexp.MustCompile(
	`(?i)https?://(?:www\.)?(?:forums?\.(?:sufficientvelocity|spacebattles)\.com|forum\.questionablequesting\.com)/posts/(\d{5,12})(?:/\S*)?`,
)

var (
	markupPattern    = regexp.MustCompile(`(?i)<!doctype html|<html|<head|<body`)
	driveFilePattern = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	driveIDPattern   = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	driveDirect      = regexp.MustCompile(`(?i)drive\.google\.com/uc\?export=download`)
)

const sampleLimit = 2000

// Config controls the source client.
type Config struct {
	FetchURL string
	Token    string
	Timeout  time.Duration
}

// Client fetches the raw link list over HTTP and extracts permalinks.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// FetchLinks retrieves the configured list and returns the permalinks found,
// in order. Failures are returned as *resolver.SourceError carrying a body
// sample for diagnostics.
func (c *Client) FetchLinks(ctx context.Context) ([]string, error) {
	if c.cfg.FetchURL == "" {
		return nil, &resolver.SourceError{Msg: "source fetch URL is not configured"}
	}

	fetchURL := TransformDriveURL(c.cfg.FetchURL)
	c.logger.Debug("fetching link list", zap.String("url", fetchURL))

	status, text, err := c.get(ctx, fetchURL, true)
	if err != nil {
		return nil, &resolver.SourceError{Msg: fmt.Sprintf("fetch link list: %v", err)}
	}

	// A markup body or an unauthorized response usually means the auth header
	// confused the endpoint; retry once with the token as a query parameter
	// only before giving up.
	sample := truncate(text, sampleLimit)
	unauthorized := status == http.StatusUnauthorized ||
		strings.EqualFold(strings.TrimSpace(text), "unauthorized")
	if markupPattern.MatchString(sample) || unauthorized {
		if c.cfg.Token == "" {
			if unauthorized {
				return nil, &resolver.SourceError{Msg: "source returned unauthorized and no token is configured"}
			}
			return nil, &resolver.SourceError{
				Msg:    "fetched content appears to be markup (login page); use a public endpoint",
				Sample: sample,
			}
		}
		c.logger.Warn("link list fetch returned markup or unauthorized; retrying with token query parameter")
		status, text, err = c.get(ctx, fetchURL, false)
		if err != nil {
			return nil, &resolver.SourceError{Msg: fmt.Sprintf("fetch link list (fallback): %v", err)}
		}
		sample = truncate(text, sampleLimit)
		if markupPattern.MatchString(sample) {
			return nil, &resolver.SourceError{
				Msg:    "fetched content appears to be markup even after token fallback",
				Sample: sample,
			}
		}
	}
	if status < 200 || status >= 300 {
		return nil, &resolver.SourceError{
			Msg:    fmt.Sprintf("link list fetch failed: HTTP %d", status),
			Sample: sample,
		}
	}

	text = normalizeText(text)
	links := extractLinks(text)
	if len(links) == 0 {
		return nil, &resolver.SourceError{
			Msg:    "no permalinks found in source",
			Sample: truncate(text, sampleLimit),
		}
	}
	return links, nil
}

func (c *Client) get(ctx context.Context, fetchURL string, withHeader bool) (int, string, error) {
	target := fetchURL
	if c.cfg.Token != "" {
		target = appendToken(fetchURL, c.cfg.Token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	if withHeader && c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-side close
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// TransformDriveURL rewrites a Google Drive view URL into its direct-download
// form; other URLs pass through unchanged.
func TransformDriveURL(raw string) string {
	if raw == "" || driveDirect.MatchString(raw) {
		return raw
	}
	if m := driveFilePattern.FindStringSubmatch(raw); len(m) == 2 {
		return "https://drive.google.com/uc?export=download&id=" + m[1]
	}
	if strings.Contains(raw, "drive.google.com") {
		if m := driveIDPattern.FindStringSubmatch(raw); len(m) == 2 {
			return "https://drive.google.com/uc?export=download&id=" + m[1]
		}
	}
	return raw
}

// normalizeText strips a leading BOM and converts literal backslash-newline
// sequences into real newlines when the payload has no genuine ones.
func normalizeText(text string) string {
	if strings.Contains(text, `\n`) && !strings.Contains(text, "\n") {
		text = regexp.MustCompile(`(?:\\r)?\\n`).ReplaceAllString(text, "\n")
	}
	text = strings.TrimPrefix(text, "\ufeff")
	return text
}

// extractLinks splits on line breaks and keeps lines that are exactly a
// permalink; when no line qualifies it falls back to scanning the whole text
// for embedded permalinks.
func extractLinks(text string) []string {
	var found []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if line == "" {
			continue
		}
		if permalinkPattern.FindString(line) == line {
			found = append(found, line)
		}
	}
	if len(found) == 0 {
		found = permalinkPattern.FindAllString(text, -1)
	}
	return found
}

func appendToken(rawURL, token string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "token=" + url.QueryEscape(token)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
