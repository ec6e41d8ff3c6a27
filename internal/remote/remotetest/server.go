// Package remotetest provides an in-memory remote backend for tests.
//
// A Server holds the authoritative tables shared by every simulated device.
// Each device talks to it through a Client bound to a user id, which plays
// the role of the origin the broadcast trigger stamps on events. The server
// merges uploads column by column, assigns updated_at from a monotonic
// clock, enforces foreign keys, appends to a change log and broadcasts
// change events to subscribers.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
)

// Event is a broadcast payload as the realtime channel delivers it.
type Event struct {
	Table     string  `json:"table"`
	Type      string  `json:"type"`
	Record    dto.Row `json:"record,omitempty"`
	OldRecord dto.Row `json:"old_record,omitempty"`
}

// JSON encodes the event.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

type foreignKey struct {
	column string
	parent schema.Table
}

var foreignKeys = map[schema.Table][]foreignKey{
	schema.TableListings:    {{"owner_id", schema.TableUsers}},
	schema.TableProperties:  {{"listing_id", schema.TableListings}},
	schema.TableTasks:       {{"listing_id", schema.TableListings}, {"assignee_id", schema.TableUsers}},
	schema.TableActivities:  {{"task_id", schema.TableTasks}, {"listing_id", schema.TableListings}, {"created_by", schema.TableUsers}},
	schema.TableNotes:       {{"author_id", schema.TableUsers}},
	schema.TableAssignments: {{"task_id", schema.TableTasks}, {"user_id", schema.TableUsers}, {"assigned_by", schema.TableUsers}},
}

// Server is the shared in-memory backend.
type Server struct {
	mu     sync.Mutex
	tables map[schema.Table]map[string]dto.Row
	clock  time.Time

	audit    []remote.AuditRow
	claims   []remote.ClaimRow
	statuses []remote.StatusRow
	seq      int64

	subs   map[int]chan []byte
	nextID int

	down       bool
	failNext   int
	rejections map[string]*remote.RejectedError

	upserts int
	fetches int
}

// NewServer returns an empty server whose clock starts at start.
func NewServer(start time.Time) *Server {
	s := &Server{
		tables:     make(map[schema.Table]map[string]dto.Row),
		clock:      start.UTC(),
		subs:       make(map[int]chan []byte),
		rejections: make(map[string]*remote.RejectedError),
	}
	for _, t := range schema.UploadOrder {
		s.tables[t] = make(map[string]dto.Row)
	}
	return s
}

// Client returns a Backend for a device signed in as userID.
func (s *Server) Client(userID string) *Client {
	return &Client{srv: s, userID: userID}
}

// SetDown makes every call fail as unreachable until called with false.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next n upserts fail as unreachable.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Reject makes every upload of record id fail with a rejection carrying code.
func (s *Server) Reject(t schema.Table, id, code, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[id] = &remote.RejectedError{Table: t, ID: id, Code: code, Message: msg}
}

// ClearRejections removes every configured rejection.
func (s *Server) ClearRejections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = make(map[string]*remote.RejectedError)
}

// Row returns a copy of the stored row, or nil.
func (s *Server) Row(t schema.Table, id string) dto.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[t][id].Clone()
}

// Len returns the number of rows in table t.
func (s *Server) Len(t schema.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[t])
}

// Upserts returns how many upserts reached the server.
func (s *Server) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Fetches returns how many FetchSince calls reached the server.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// HardDelete removes a row without logging or broadcasting, the way an
// administrative purge would. Devices only notice on a full sync.
func (s *Server) HardDelete(t schema.Table, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[t], id)
}

// Seed writes a system-originated row: no origin, no broadcast.
func (s *Server) Seed(t schema.Table, fields dto.Row) dto.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, _, _ := s.write(t, fields, true, nil)
	return row.Clone()
}

// SystemWrite writes a row with no origin, as a migration or backfill would,
// and broadcasts it.
func (s *Server) SystemWrite(t schema.Table, fields dto.Row) (dto.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, prev, err := s.write(t, fields, true, nil)
	if err != nil {
		return nil, err
	}
	s.broadcast(t, prev, row, nil)
	return row.Clone(), nil
}

// Subscribe returns a channel receiving every broadcast payload and a
// function that ends the subscription.
func (s *Server) Subscribe() (<-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan []byte, 256)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// tick advances the server clock by one millisecond.
func (s *Server) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// Now returns the current server clock.
func (s *Server) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// write merges fields into table t and returns the stored row and the
// previous row. Caller holds s.mu.
func (s *Server) write(t schema.Table, fields dto.Row, allowInsert bool, origin *string) (dto.Row, dto.Row, error) {
	id := fields.ID()
	if id == "" {
		return nil, nil, &remote.RejectedError{Table: t, Code: "23502", Message: "id is required"}
	}
	if rej, ok := s.rejections[id]; ok {
		return nil, nil, rej
	}

	old, exists := s.tables[t][id]
	if !exists && !allowInsert {
		return nil, nil, &remote.RejectedError{Table: t, ID: id, Code: "PGRST116", Message: "no row matched"}
	}

	if err := s.checkForeignKeys(t, fields); err != nil {
		return nil, nil, err
	}

	now := s.tick()
	row := make(dto.Row)
	if exists {
		row = old.Clone()
	} else {
		for _, col := range dto.Columns(t) {
			row[col] = nil
		}
		row["created_at"] = dto.FormatTime(now)
	}
	for col, v := range fields {
		if col == "updated_at" || (exists && col == "created_at") {
			continue
		}
		row[col] = v
	}
	row["updated_at"] = dto.FormatTime(now)
	s.tables[t][id] = row

	var prev dto.Row
	if exists {
		prev = old
	}
	s.log(t, prev, row, origin, now)
	return row, prev, nil
}

func (s *Server) checkForeignKeys(t schema.Table, fields dto.Row) error {
	fks := foreignKeys[t]
	if t == schema.TableNotes {
		if parent, ok := fields["parent_table"].(string); ok {
			fks = append(fks, foreignKey{"parent_id", schema.Table(parent)})
		}
	}
	for _, fk := range fks {
		ref, ok := fields[fk.column].(string)
		if !ok || ref == "" {
			continue
		}
		if _, found := s.tables[fk.parent][ref]; !found {
			return &remote.RejectedError{
				Table:   t,
				ID:      fields.ID(),
				Code:    "23503",
				Message: fmt.Sprintf("insert or update on table %q violates foreign key constraint on %s", t, fk.column),
			}
		}
	}
	return nil
}

func (s *Server) log(t schema.Table, old, row dto.Row, origin *string, at time.Time) {
	s.seq++
	action := "update"
	switch {
	case old == nil:
		action = "insert"
	case old["deleted_at"] == nil && row["deleted_at"] != nil:
		action = "delete"
	case old["deleted_at"] != nil && row["deleted_at"] == nil:
		action = "restore"
	}
	s.audit = append(s.audit, remote.AuditRow{
		AuditID:     remote.FlexibleID(strconv.FormatInt(s.seq, 10)),
		Action:      action,
		ChangedAt:   at,
		ChangedBy:   origin,
		RecordPK:    row.ID(),
		OldRow:      old.Clone(),
		NewRow:      row.Clone(),
		TableSchema: "public",
		TableName:   string(t),
	})

	switch t {
	case schema.TableAssignments:
		s.logClaim(old, row, origin, at)
	case schema.TableTasks:
		s.logStatus(old, row, origin, at)
	}
}

func (s *Server) logClaim(old, row dto.Row, origin *string, at time.Time) {
	userID, _ := row["user_id"].(string)
	taskID, _ := row["task_id"].(string)
	assignedBy, _ := row["assigned_by"].(string)

	var action string
	switch {
	case old == nil && assignedBy == userID:
		action = "claimed"
	case old == nil:
		action = "assigned"
	case old["unassigned_at"] == nil && row["unassigned_at"] != nil:
		if origin != nil && *origin == userID {
			action = "released"
		} else {
			action = "unassigned"
		}
	default:
		return
	}
	var reason *string
	if r, ok := row["reason"].(string); ok {
		reason = &r
	}
	s.claims = append(s.claims, remote.ClaimRow{
		ID:        remote.FlexibleID(strconv.FormatInt(s.seq, 10)),
		TaskID:    taskID,
		UserID:    userID,
		Action:    action,
		ActorID:   origin,
		Reason:    reason,
		CreatedAt: at,
	})
}

func (s *Server) logStatus(old, row dto.Row, origin *string, at time.Time) {
	to, _ := row["status"].(string)
	var from *string
	if old != nil {
		prev, _ := old["status"].(string)
		if prev == to {
			return
		}
		from = &prev
	}
	s.statuses = append(s.statuses, remote.StatusRow{
		ID:         remote.FlexibleID(strconv.FormatInt(s.seq, 10)),
		TaskID:     row.ID(),
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  origin,
		ChangedAt:  at,
	})
}

func (s *Server) broadcast(t schema.Table, old, row dto.Row, origin *string) {
	typ := "UPDATE"
	if old == nil {
		typ = "INSERT"
	}
	record := row.Clone()
	record["_event_version"] = 1
	if origin != nil {
		record["_origin_user_id"] = *origin
	}
	s.publish(Event{Table: string(t), Type: typ, Record: record, OldRecord: old.Clone()})
}

func (s *Server) publish(ev Event) {
	data := ev.JSON()
	for _, ch := range s.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Broadcast publishes an arbitrary payload, for example a malformed one.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Delete hard-deletes a row and broadcasts a DELETE event attributed to origin.
func (s *Server) Delete(t schema.Table, id string, origin *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tables[t][id]
	if !ok {
		return
	}
	delete(s.tables[t], id)
	oldRecord := old.Clone()
	oldRecord["_event_version"] = 1
	if origin != nil {
		oldRecord["_origin_user_id"] = *origin
	}
	s.publish(Event{Table: string(t), Type: "DELETE", OldRecord: oldRecord})
}

func sortedRows(rows map[string]dto.Row) []dto.Row {
	out := make([]dto.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i]["updated_at"].(string), out[j]["updated_at"].(string)
		if ti != tj {
			return ti < tj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Client is a device's view of the server.
type Client struct {
	srv    *Server
	userID string
}

var _ remote.Backend = (*Client)(nil)

func (c *Client) unavailable() error {
	if c.srv.down {
		return fmt.Errorf("%w: server down", remote.ErrUnavailable)
	}
	return nil
}

// Upsert merges the change column by column.
func (c *Client) Upsert(ctx context.Context, ch remote.Change) (dto.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.unavailable(); err != nil {
		return nil, err
	}
	if c.srv.failNext > 0 {
		c.srv.failNext--
		return nil, fmt.Errorf("%w: injected failure", remote.ErrUnavailable)
	}
	c.srv.upserts++

	origin := c.userID
	fields := ch.Fields.Clone()
	fields["id"] = ch.ID
	row, prev, err := c.srv.write(ch.Table, fields, ch.New, &origin)
	if err != nil {
		return nil, err
	}
	c.srv.broadcast(ch.Table, prev, row, &origin)
	return row.Clone(), nil
}

// FetchSince pages through rows changed after since.
func (c *Client) FetchSince(ctx context.Context, t schema.Table, since time.Time, limit, offset int) ([]dto.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if err := c.unavailable(); err != nil {
		return nil, err
	}
	c.srv.fetches++

	var matched []dto.Row
	for _, r := range sortedRows(c.srv.tables[t]) {
		updated, _ := r.Time("updated_at")
		if since.IsZero() || updated.After(since) {
			matched = append(matched, r.Clone())
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// FetchIDs returns every id in table t.
func (c *Client) FetchIDs(ctx context.Context, t schema.Table) ([]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.unavailable(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.srv.tables[t]))
	for id := range c.srv.tables[t] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AuditHistory returns change-log rows newest first.
func (c *Client) AuditHistory(ctx context.Context, q remote.AuditQuery) ([]remote.AuditRow, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.unavailable(); err != nil {
		return nil, err
	}
	var out []remote.AuditRow
	for i := len(c.srv.audit) - 1; i >= 0; i-- {
		row := c.srv.audit[i]
		if q.Table != "" && row.TableName != string(q.Table) {
			continue
		}
		if q.RecordID != "" && row.RecordPK != q.RecordID {
			continue
		}
		out = append(out, row)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ClaimHistory returns claim rows for a task, newest first.
func (c *Client) ClaimHistory(ctx context.Context, taskID string) ([]remote.ClaimRow, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.unavailable(); err != nil {
		return nil, err
	}
	var out []remote.ClaimRow
	for i := len(c.srv.claims) - 1; i >= 0; i-- {
		if c.srv.claims[i].TaskID == taskID {
			out = append(out, c.srv.claims[i])
		}
	}
	return out, nil
}

// StatusHistory returns status rows for a task, newest first.
func (c *Client) StatusHistory(ctx context.Context, taskID string) ([]remote.StatusRow, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.unavailable(); err != nil {
		return nil, err
	}
	var out []remote.StatusRow
	for i := len(c.srv.statuses) - 1; i >= 0; i-- {
		if c.srv.statuses[i].TaskID == taskID {
			out = append(out, c.srv.statuses[i])
		}
	}
	return out, nil
}

// Ping fails while the server is down.
func (c *Client) Ping(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.unavailable()
}

// Close is a no-op.
func (c *Client) Close() error { return nil }
