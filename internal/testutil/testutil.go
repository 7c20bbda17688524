// Package testutil provides common test helpers shared across SchedArray packages.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/store"
)

// NewTestScheduler opens a temp-directory SQLite store and wraps it in a
// Scheduler, closing the store when the test completes.
func NewTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "schedarray.db")
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return scheduler.New(st, nil)
}

// FixtureSubmitRequest returns a minimal valid SubmitRequest, letting
// callers override individual fields.
func FixtureSubmitRequest(command string) models.SubmitRequest {
	return models.SubmitRequest{
		Command: command,
		User:    "testuser",
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response body into a map for ad-hoc field
// assertions, failing the test if the body isn't valid JSON.
func AssertJSONResponse(t testingT, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return response
}

// CreateJSONRequest creates an HTTP request with a JSON-encoded body.
func CreateJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// testingT is the subset of *testing.T used by assertion helpers, so they
// can also be exercised with a mock in the package's own tests.
type testingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
