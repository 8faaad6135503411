package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forumvine/linkresolver/internal/resolver"
)

func TestSubmitPostsResolvedSet(t *testing.T) {
	t.Parallel()

	var got submission
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{PostURL: srv.URL, Token: "tok"}, nil)
	resolved := []string{"https://forums.spacebattles.com/posts/111/", "https://forums.spacebattles.com/posts/222/"}
	err := c.Submit(context.Background(), "run-1", resolved)
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, resolved, got.Resolved)
	require.Equal(t, "tok", got.Token)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "tok", gotToken)
}

func TestSubmitNoEndpointIsNoop(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	require.NoError(t, c.Submit(context.Background(), "run-1", []string{"x"}))
}

func TestSubmitMarkupResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>please   sign\n\nin</body></html>"))
	}))
	defer srv.Close()

	c := New(Config{PostURL: srv.URL}, nil)
	err := c.Submit(context.Background(), "run-1", nil)

	var repErr *resolver.ReportError
	require.True(t, errors.As(err, &repErr))
	require.Equal(t, resolver.ReportMarkup, repErr.Kind)
	// Preview collapses whitespace runs.
	require.Contains(t, repErr.Preview, "please sign in")
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{PostURL: srv.URL}, nil)
	err := c.Submit(context.Background(), "run-1", nil)

	var repErr *resolver.ReportError
	require.True(t, errors.As(err, &repErr))
	require.Equal(t, resolver.ReportRateLimited, repErr.Kind)
	require.Equal(t, http.StatusTooManyRequests, repErr.Status)
}

func TestSubmitHTTPFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{PostURL: srv.URL}, nil)
	err := c.Submit(context.Background(), "run-1", nil)

	var repErr *resolver.ReportError
	require.True(t, errors.As(err, &repErr))
	require.Equal(t, resolver.ReportHTTPStatus, repErr.Kind)
	require.Equal(t, http.StatusInternalServerError, repErr.Status)
	require.Equal(t, "boom", repErr.Preview)
}

func TestRunScriptAndClearDrive(t *testing.T) {
	t.Parallel()

	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scriptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		actions = append(actions, req.Action)
		_, _ = w.Write([]byte("done: " + req.Action))
	}))
	defer srv.Close()

	c := New(Config{RunScriptURL: srv.URL, ClearDriveURL: srv.URL}, nil)

	out, err := c.RunScript(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done: run", out)

	out, err = c.ClearDrive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done: clear", out)

	require.Equal(t, []string{"run", "clear"}, actions)
}

func TestRunScriptUnconfigured(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil)
	_, err := c.RunScript(context.Background())
	require.Error(t, err)
	_, err = c.ClearDrive(context.Background())
	require.Error(t, err)
}

func TestPreviewTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 2*previewLimit)
	got := Preview([]byte(long))
	require.Len(t, got, previewLimit)
}
