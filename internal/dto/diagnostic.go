package dto

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Diagnostic describes a value that could not be decoded as sent and was
// replaced with a fallback.
type Diagnostic struct {
	Table    schema.Table
	Field    string
	Raw      string
	Fallback string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s.%s: unrecognized value %q, using %q", d.Table, d.Field, d.Raw, d.Fallback)
}

// DiagnosticReporter logs each distinct diagnostic once and counts repeats,
// so a bad value in a large download produces one warning rather than one
// per row.
type DiagnosticReporter struct {
	logger *zap.Logger

	mu   sync.Mutex
	seen map[Diagnostic]int
}

// NewDiagnosticReporter creates a reporter. A nil logger discards output.
func NewDiagnosticReporter(logger *zap.Logger) *DiagnosticReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiagnosticReporter{
		logger: logger,
		seen:   make(map[Diagnostic]int),
	}
}

// Report records diags, logging the ones not seen before.
func (r *DiagnosticReporter) Report(diags ...Diagnostic) {
	if r == nil || len(diags) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range diags {
		r.seen[d]++
		if r.seen[d] == 1 {
			r.logger.Warn("decoded value with fallback",
				zap.String("table", string(d.Table)),
				zap.String("field", d.Field),
				zap.String("raw", d.Raw),
				zap.String("fallback", d.Fallback),
			)
		}
	}
}

// Count returns how many times d has been reported.
func (r *DiagnosticReporter) Count(d Diagnostic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[d]
}

// Distinct returns the number of distinct diagnostics seen.
func (r *DiagnosticReporter) Distinct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
