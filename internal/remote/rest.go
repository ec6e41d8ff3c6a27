package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// RESTConfig configures a RESTBackend.
type RESTConfig struct {
	// URL is the project root, e.g. https://example.supabase.co.
	URL    string
	APIKey string

	// AccessToken authenticates the session user. UserID is sent as the
	// write origin so broadcasts of this session's writes can be recognized.
	AccessToken string
	UserID      string

	// RequestTimeout bounds each round trip. MaxElapsed bounds the retries
	// of one call.
	RequestTimeout time.Duration
	MaxElapsed     time.Duration

	HTTPClient *http.Client
}

// RESTBackend is a Backend over the PostgREST HTTP API.
type RESTBackend struct {
	base   *url.URL
	cfg    RESTConfig
	client *http.Client
	logger *zap.Logger
}

// NewRESTBackend validates cfg and returns a backend. A nil logger discards output.
func NewRESTBackend(cfg RESTConfig, logger *zap.Logger) (*RESTBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", cfg.URL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * cfg.RequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &RESTBackend{
		base:   base,
		cfg:    cfg,
		client: client,
		logger: logger.Named("remote.rest"),
	}, nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string

	// table and id attribute rejections to a record.
	table schema.Table
	id    string
}

// do performs req with bounded retries of transient failures and decodes
// the response into out.
func (b *RESTBackend) do(ctx context.Context, req request, out any) error {
	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	u := *b.base
	u.Path = u.Path + req.path
	u.RawQuery = req.query.Encode()

	op := func() ([]byte, error) {
		body, err := b.roundTrip(ctx, req, u.String(), payload)
		if err == nil {
			return body, nil
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		var status *StatusError
		if errors.As(err, &status) && status.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int(status.RetryAfter / time.Second))
		}
		return nil, err
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(b.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Debug("retrying request",
				zap.String("method", req.method),
				zap.String("path", req.path),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := decodeJSON(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}

func (b *RESTBackend) roundTrip(ctx context.Context, req request, target string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("apikey", b.cfg.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	if b.cfg.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.AccessToken)
	}
	if b.cfg.UserID != "" {
		httpReq.Header.Set("X-Origin-User-Id", b.cfg.UserID)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.prefer != "" {
		httpReq.Header.Set("Prefer", req.prefer)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, req.method, req.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classify(req, resp, data)
}

// postgrestError is the error body PostgREST returns.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func classify(req request, resp *http.Response, data []byte) error {
	var pgErr postgrestError
	_ = json.Unmarshal(data, &pgErr)

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusUnprocessableEntity:
		if req.table != "" {
			msg := pgErr.Message
			if msg == "" {
				msg = strings.TrimSpace(string(data))
			}
			return &RejectedError{Table: req.table, ID: req.id, Code: pgErr.Code, Message: msg}
		}
	}
	status := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		status.RetryAfter = time.Duration(secs) * time.Second
	}
	return status
}

func decodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// Upsert inserts a new record or patches an existing one.
func (b *RESTBackend) Upsert(ctx context.Context, ch Change) (dto.Row, error) {
	req := request{
		path:  "/rest/v1/" + string(ch.Table),
		body:  ch.Fields,
		table: ch.Table,
		id:    ch.ID,
		query: url.Values{},
	}
	if ch.New {
		req.method = http.MethodPost
		req.query.Set("on_conflict", "id")
		req.prefer = "resolution=merge-duplicates,return=representation"
	} else {
		req.method = http.MethodPatch
		req.query.Set("id", "eq."+ch.ID)
		req.prefer = "return=representation"
	}

	var rows []dto.Row
	if err := b.do(ctx, req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// PATCH matching nothing: the row was hard-deleted on the server
		// or is hidden by row-level security.
		return nil, &RejectedError{Table: ch.Table, ID: ch.ID, Code: "PGRST116", Message: "no row matched"}
	}
	return rows[0], nil
}

// FetchSince returns one page of rows changed after since.
func (b *RESTBackend) FetchSince(ctx context.Context, t schema.Table, since time.Time, limit, offset int) ([]dto.Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "updated_at.asc,id.asc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if !since.IsZero() {
		q.Set("updated_at", "gt."+dto.FormatTime(since))
	}

	var rows []dto.Row
	err := b.do(ctx, request{method: http.MethodGet, path: "/rest/v1/" + string(t), query: q}, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", t, err)
	}
	return rows, nil
}

const idPageSize = 1000

// FetchIDs pages through every id in table t.
func (b *RESTBackend) FetchIDs(ctx context.Context, t schema.Table) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += idPageSize {
		q := url.Values{}
		q.Set("select", "id")
		q.Set("order", "id.asc")
		q.Set("limit", strconv.Itoa(idPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page []struct {
			ID string `json:"id"`
		}
		err := b.do(ctx, request{method: http.MethodGet, path: "/rest/v1/" + string(t), query: q}, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s ids: %w", t, err)
		}
		for _, r := range page {
			ids = append(ids, r.ID)
		}
		if len(page) < idPageSize {
			return ids, nil
		}
	}
}

// AuditHistory calls the audit_history RPC.
func (b *RESTBackend) AuditHistory(ctx context.Context, q AuditQuery) ([]AuditRow, error) {
	args := map[string]any{
		"p_table":     nullable(string(q.Table)),
		"p_record_id": nullable(q.RecordID),
		"p_limit":     q.Limit,
	}
	var rows []AuditRow
	if err := b.rpc(ctx, "audit_history", args, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ClaimHistory calls the claim_history RPC.
func (b *RESTBackend) ClaimHistory(ctx context.Context, taskID string) ([]ClaimRow, error) {
	var rows []ClaimRow
	if err := b.rpc(ctx, "claim_history", map[string]any{"p_task_id": taskID}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// StatusHistory calls the status_history RPC.
func (b *RESTBackend) StatusHistory(ctx context.Context, taskID string) ([]StatusRow, error) {
	var rows []StatusRow
	if err := b.rpc(ctx, "status_history", map[string]any{"p_task_id": taskID}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *RESTBackend) rpc(ctx context.Context, fn string, args map[string]any, out any) error {
	err := b.do(ctx, request{method: http.MethodPost, path: "/rest/v1/rpc/" + fn, body: args}, out)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	return nil
}

// Ping issues a cheap authenticated request.
func (b *RESTBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	_, err := b.roundTrip(ctx, request{method: http.MethodGet, path: "/rest/v1/"}, b.base.String()+"/rest/v1/", nil)
	var status *StatusError
	if errors.As(err, &status) && status.StatusCode < 500 {
		// Reachable; authorization is checked per request.
		return nil
	}
	return err
}

// Close releases idle connections.
func (b *RESTBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
