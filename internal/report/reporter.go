// Package report submits resolved permalinks to the remote collector and
// triggers the remote automation script.
package report

import (
	"bytes"
	"context"
	"encoding/json"
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

const previewLimit = 800

var whitespaceRun = regexp.MustCompile(`\s+`)

// Config controls the report client.
type Config struct {
	PostURL       string
	RunScriptURL  string
	ClearDriveURL string
	Token         string
	Timeout       time.Duration
}

// Client performs the one POST per run plus automation passthrough calls.
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

type submission struct {
	RunID    string   `json:"run_id"`
	Resolved []string `json:"resolved"`
	Token    string   `json:"token,omitempty"`
}

// Submit posts the ordered resolved set to the collector. A missing endpoint
// is a no-op success; response validation failures come back as
// *resolver.ReportError.
func (c *Client) Submit(ctx context.Context, runID string, resolved []string) error {
	if c.cfg.PostURL == "" {
		c.logger.Info("no collector endpoint configured; skipping submission",
			zap.Int("resolved", len(resolved)))
		return nil
	}
	if resolved == nil {
		resolved = []string{}
	}
	payload := submission{RunID: runID, Resolved: resolved, Token: c.cfg.Token}
	body, err := c.post(ctx, c.cfg.PostURL, payload)
	if err != nil {
		return err
	}
	c.logger.Info("resolved set submitted",
		zap.String("run_id", runID),
		zap.Int("resolved", len(resolved)),
		zap.String("server", Preview(body)))
	return nil
}

type scriptRequest struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// RunScript asks the remote automation script to run the extractor.
func (c *Client) RunScript(ctx context.Context) (string, error) {
	if c.cfg.RunScriptURL == "" {
		return "", fmt.Errorf("run script URL is not configured")
	}
	body, err := c.post(ctx, c.cfg.RunScriptURL, scriptRequest{Action: "run", Token: c.cfg.Token})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ClearDrive asks the remote automation script to clear its staged files.
func (c *Client) ClearDrive(ctx context.Context) (string, error) {
	if c.cfg.ClearDriveURL == "" {
		return "", fmt.Errorf("clear drive URL is not configured")
	}
	body, err := c.post(ctx, c.cfg.ClearDriveURL, scriptRequest{Action: "clear", Token: c.cfg.Token})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	target := endpoint
	if c.cfg.Token != "" {
		target = appendToken(endpoint, c.cfg.Token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-side close
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := CheckResponse(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// CheckResponse validates a collector-style response defensively. Markup
// bodies indicate a redirect to a login page; 429 is labeled separately so
// operators can distinguish it from hard failures.
func CheckResponse(resp *http.Response, body []byte) error {
	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ctype, "text/html") {
		return &resolver.ReportError{Kind: resolver.ReportMarkup, Status: resp.StatusCode, Preview: Preview(body)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &resolver.ReportError{Kind: resolver.ReportRateLimited, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &resolver.ReportError{Kind: resolver.ReportHTTPStatus, Status: resp.StatusCode, Preview: Preview(body)}
	}
	return nil
}

// Preview returns a truncated, whitespace-collapsed body sample for logs and
// error messages.
func Preview(body []byte) string {
	s := string(body)
	if len(s) > previewLimit {
		s = s[:previewLimit]
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func appendToken(rawURL, token string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "token=" + url.QueryEscape(token)
}
