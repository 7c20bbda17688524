package testutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/schedarray/schedarray/internal/models"
)

func TestNewTestScheduler(t *testing.T) {
	sched := NewTestScheduler(t)
	job, err := sched.SubmitJob(context.Background(), FixtureSubmitRequest("echo hi"))
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.State != models.StatePending {
		t.Errorf("expected pending, got %s", job.State)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	mockT := &mockTestingT{}
	AssertHTTPStatus(mockT, 200, 200, "matching")
	if mockT.failed {
		t.Errorf("expected pass, got failure: %s", mockT.errorMsg)
	}

	mockT = &mockTestingT{}
	AssertHTTPStatus(mockT, 200, 404, "mismatch")
	if !mockT.failed {
		t.Error("expected failure for mismatched status codes")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"job_id":"job_1","state":"pending"}`)

	mockT := &mockTestingT{}
	resp := AssertJSONResponse(mockT, rr)
	if mockT.failed {
		t.Fatalf("expected pass, got failure: %s", mockT.errorMsg)
	}
	if resp["job_id"] != "job_1" {
		t.Errorf("expected job_id job_1, got %v", resp["job_id"])
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, "POST", "/jobs", FixtureSubmitRequest("echo hi"))
	if req.Method != "POST" {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %s", req.Header.Get("Content-Type"))
	}
}

type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = format
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = format
}
