package main

import (
	"strconv"
	"strings"

	"github.com/schedarray/schedarray/internal/errs"
)

// cmdUsageError wraps a CLI usage mistake as a Validation error so it maps
// to exit code 2 via exitCode.
func cmdUsageError(format string, args ...any) error {
	return errs.ValidationErrorf(format, args...)
}

// resolveJobID accepts either a full "job_<n>" ID or a bare numeric suffix
// and normalizes it to the canonical form the store expects.
func resolveJobID(input string) string {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "job_") {
		return input
	}
	if _, err := strconv.ParseInt(input, 10, 64); err == nil {
		return "job_" + input
	}
	return input
}
