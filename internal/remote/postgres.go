package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

const (
	pgMaxConns        = 10
	pgMinConns        = 1
	pgMaxConnLifetime = 10 * time.Minute
	pgMaxConnIdleTime = 5 * time.Minute
)

// PostgresConfig configures a PostgresBackend.
type PostgresConfig struct {
	DatabaseURL    string
	UserID         string
	RequestTimeout time.Duration
}

// PostgresBackend is a Backend that connects to the database directly.
// Writes set app.origin_user_id for the transaction so the broadcast
// trigger can stamp the event origin.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	userID  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewPostgresBackend opens a connection pool and verifies it.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = pgMaxConns
	poolCfg.MinConns = pgMinConns
	poolCfg.MaxConnLifetime = pgMaxConnLifetime
	poolCfg.MaxConnIdleTime = pgMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: error pinging postgres pool: %w", ErrUnavailable, err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresBackend{
		pool:    pool,
		userID:  cfg.UserID,
		timeout: timeout,
		logger:  logger.Named("remote.postgres"),
	}, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// patchColumns returns the writable columns present in fields, sorted.
func patchColumns(t schema.Table, fields dto.Row, includeID bool) ([]string, error) {
	known := dto.Columns(t)
	var cols []string
	for col := range fields {
		if col == "id" && !includeID {
			continue
		}
		if !slices.Contains(known, col) {
			return nil, fmt.Errorf("unknown column %s.%s", t, col)
		}
		cols = append(cols, col)
	}
	slices.Sort(cols)
	return cols, nil
}

func sanitizedList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = ident(c)
	}
	return strings.Join(out, ", ")
}

// Upsert writes a change in a transaction attributed to the session user.
func (b *PostgresBackend) Upsert(ctx context.Context, ch Change) (dto.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	payload, err := json.Marshal(ch.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s/%s: %w", ch.Table, ch.ID, err)
	}

	query, args, err := upsertSQL(ch, string(payload))
	if err != nil {
		return nil, &RejectedError{Table: ch.Table, ID: ch.ID, Code: "42703", Message: err.Error()}
	}

	var raw []byte
	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('app.origin_user_id', $1, true)`, b.userID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, query, args...).Scan(&raw)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &RejectedError{Table: ch.Table, ID: ch.ID, Code: "P0002", Message: "no row matched"}
	}
	if err != nil {
		return nil, b.classify(ch, err)
	}
	return dto.UnmarshalRow(raw)
}

func upsertSQL(ch Change, payload string) (string, []any, error) {
	table := ident(string(ch.Table))
	source := fmt.Sprintf("jsonb_populate_record(NULL::%s, $1::jsonb)", table)

	if ch.New {
		cols, err := patchColumns(ch.Table, ch.Fields, true)
		if err != nil {
			return "", nil, err
		}
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if c != "id" {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
			}
		}
		conflict := "DO NOTHING"
		if len(sets) > 0 {
			conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
		}
		list := sanitizedList(cols)
		query := fmt.Sprintf(`INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (id) %s RETURNING to_jsonb(t)`,
			table, list, list, source, conflict)
		return query, []any{payload}, nil
	}

	cols, err := patchColumns(ch.Table, ch.Fields, false)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		// Nothing but the id changed locally; touch the row so the server
		// stamps a fresh updated_at.
		query := fmt.Sprintf(`UPDATE %s AS t SET id = t.id WHERE t.id = $1 RETURNING to_jsonb(t)`, table)
		return query, []any{ch.ID}, nil
	}
	list := sanitizedList(cols)
	query := fmt.Sprintf(`UPDATE %s AS t SET (%s) = (SELECT %s FROM %s) WHERE t.id = $2 RETURNING to_jsonb(t)`,
		table, list, list, source)
	return query, []any{payload, ch.ID}, nil
}

// classify maps database errors to the remote error taxonomy: integrity
// and data errors concern the record, everything else the connection.
func (b *PostgresBackend) classify(ch Change, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"), pgErr.Code == "42501":
			return &RejectedError{Table: ch.Table, ID: ch.ID, Code: pgErr.Code, Message: pgErr.Message}
		}
	}
	return fmt.Errorf("upsert %s/%s: %w", ch.Table, ch.ID, err)
}

// FetchSince returns one page of rows changed after since.
func (b *PostgresBackend) FetchSince(ctx context.Context, t schema.Table, since time.Time, limit, offset int) ([]dto.Row, error) {
	query := fmt.Sprintf(
		`SELECT to_jsonb(t) FROM %s AS t WHERE t.updated_at > $1 ORDER BY t.updated_at, t.id LIMIT $2 OFFSET $3`,
		ident(string(t)))
	raws, err := b.queryJSON(ctx, query, since.UTC(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", t, err)
	}
	rows := make([]dto.Row, 0, len(raws))
	for _, raw := range raws {
		row, err := dto.UnmarshalRow(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchIDs returns every id in table t.
func (b *PostgresBackend) FetchIDs(ctx context.Context, t schema.Table) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT id::text FROM %s ORDER BY id`, ident(string(t))))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s ids: %w", t, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s ids: %w", t, err)
	}
	return ids, nil
}

// AuditHistory calls the audit_history function.
func (b *PostgresBackend) AuditHistory(ctx context.Context, q AuditQuery) ([]AuditRow, error) {
	var rows []AuditRow
	err := b.callJSON(ctx, &rows, `SELECT to_jsonb(h) FROM audit_history($1, $2, $3) AS h`,
		nullable(string(q.Table)), nullable(q.RecordID), q.Limit)
	return rows, err
}

// ClaimHistory calls the claim_history function.
func (b *PostgresBackend) ClaimHistory(ctx context.Context, taskID string) ([]ClaimRow, error) {
	var rows []ClaimRow
	err := b.callJSON(ctx, &rows, `SELECT to_jsonb(h) FROM claim_history($1) AS h`, taskID)
	return rows, err
}

// StatusHistory calls the status_history function.
func (b *PostgresBackend) StatusHistory(ctx context.Context, taskID string) ([]StatusRow, error) {
	var rows []StatusRow
	err := b.callJSON(ctx, &rows, `SELECT to_jsonb(h) FROM status_history($1) AS h`, taskID)
	return rows, err
}

func (b *PostgresBackend) queryJSON(ctx context.Context, query string, args ...any) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[[]byte])
}

// callJSON runs a query returning one JSON object per row and decodes the
// rows into out, a pointer to a slice.
func (b *PostgresBackend) callJSON(ctx context.Context, out any, query string, args ...any) error {
	raws, err := b.queryJSON(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	joined := "[" + string(joinJSON(raws)) + "]"
	if err := decodeJSON([]byte(joined), out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func joinJSON(raws [][]byte) []byte {
	var out []byte
	for i, r := range raws {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, r...)
	}
	return out
}

// Ping checks the pool.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
