package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// ErrUnavailable wraps failures to reach the backend at all.
var ErrUnavailable = errors.New("remote unavailable")

// RejectedError is a record-level refusal: a constraint violation, a row
// that no longer exists, or a permission check. It concerns one record and
// retrying the same payload immediately will not help.
type RejectedError struct {
	Table   schema.Table
	ID      string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s/%s rejected (%s): %s", e.Table, e.ID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s/%s rejected: %s", e.Table, e.ID, e.Message)
}

// IsForeignKeyViolation reports whether the rejection is a missing parent.
func (e *RejectedError) IsForeignKeyViolation() bool {
	return e.Code == "23503"
}

// StatusError is an HTTP response that is neither success nor a
// record-level rejection.
type StatusError struct {
	StatusCode int
	Body       string

	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// IsTransient reports whether err is worth retrying later: network
// failures, timeouts, throttling and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode == http.StatusTooManyRequests ||
			status.StatusCode == http.StatusRequestTimeout ||
			status.StatusCode >= 500
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P01", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
