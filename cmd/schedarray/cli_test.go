package main

import (
	"testing"

	"github.com/schedarray/schedarray/internal/errs"
)

func TestResolveJobID(t *testing.T) {
	cases := map[string]string{
		"job_42": "job_42",
		"42":      "job_42",
		"  7  ":   "job_7",
		"garbage": "garbage",
	}
	for in, want := range cases {
		if got := resolveJobID(in); got != want {
			t.Errorf("resolveJobID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"validation", errs.ValidationErrorf("bad"), 2},
		{"not found", errs.NotFoundf("missing"), 1},
		{"store", errs.StoreErrorf(nil, "io"), 1},
		{"cobra usage", errUsageStub{}, 2},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("%s: exitCode() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

type errUsageStub struct{}

func (errUsageStub) Error() string { return "unknown flag" }
