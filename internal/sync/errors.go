package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

var (
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("sync engine closed")

	// ErrEnginePaused is returned by Sync and FullSync while the engine
	// is paused.
	ErrEnginePaused = errors.New("sync engine paused")
)

// Phase names the part of a cycle that failed.
type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseDownload Phase = "download"
	PhaseOrphans  Phase = "orphans"
	PhaseCommit   Phase = "commit"
)

// TableError is one failure within a cycle.
type TableError struct {
	Table schema.Table
	Phase Phase
	Err   error
}

func (e TableError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Table, e.Err)
}

// CycleError collects the failures of one cycle.
type CycleError struct {
	Failures []TableError
}

func (e *CycleError) add(t schema.Table, p Phase, err error) {
	e.Failures = append(e.Failures, TableError{Table: t, Phase: p, Err: err})
}

func (e *CycleError) empty() bool {
	return len(e.Failures) == 0
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "sync cycle failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e *CycleError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
