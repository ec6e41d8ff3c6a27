package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/fieldsync/internal/dto"
	"github.com/mschirtzinger/fieldsync/internal/remote"
	"github.com/mschirtzinger/fieldsync/internal/schema"
	"github.com/mschirtzinger/fieldsync/internal/store"
)

// cycle pushes local changes then pulls remote ones, table by table in
// dependency order. A full cycle also removes records deleted on the
// server. Watermarks only advance when every phase succeeded, so a partly
// failed cycle is repeated in full next time.
func (e *Engine) cycle(ctx context.Context, full bool) (Result, error) {
	start := e.now()
	res := Result{Full: full}
	failed := &CycleError{}

	e.upload(ctx, &res, failed)

	marks := make(map[schema.Table]time.Time, len(e.cfg.Tables))
	for _, t := range e.cfg.Tables {
		if ctx.Err() != nil {
			failed.add(t, PhaseDownload, ctx.Err())
			break
		}
		n, mark, err := e.download(ctx, t)
		res.Downloaded += n
		if err != nil {
			failed.add(t, PhaseDownload, err)
			continue
		}
		if !mark.IsZero() {
			marks[t] = mark
		}
	}

	if full && failed.empty() {
		for _, t := range e.cfg.Tables {
			n, err := e.removeOrphans(ctx, t)
			res.Orphans += n
			if err != nil {
				failed.add(t, PhaseOrphans, err)
				break
			}
		}
	}

	if failed.empty() && len(marks) > 0 {
		if err := e.store.SetWatermarks(ctx, marks); err != nil {
			failed.add("", PhaseCommit, err)
		}
	}

	res.Duration = e.now().Sub(start)
	if !failed.empty() {
		return res, failed
	}
	return res, nil
}

// upload sends every uploadable record. Records of one table upload
// concurrently and independently: a transient failure on one record does
// not cancel its siblings. Tables go in order so parents reach the server
// before their children. After a table hits a transient error the
// remaining tables wait for the next cycle.
func (e *Engine) upload(ctx context.Context, res *Result, failed *CycleError) {
	for _, t := range e.cfg.Tables {
		recs, err := e.store.DirtyRecords(ctx, t, e.cfg.MaxRetries)
		if err != nil {
			failed.add(t, PhaseUpload, err)
			return
		}
		if len(recs) == 0 {
			continue
		}

		var (
			mu                 gosync.Mutex
			uploaded, rejected int
			firstErr           error
		)
		var g errgroup.Group
		g.SetLimit(e.cfg.UploadConcurrency)
		for _, rec := range recs {
			g.Go(func() error {
				ok, err := e.uploadRecord(ctx, t, rec.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					if firstErr == nil {
						firstErr = err
					}
				case ok:
					uploaded++
				default:
					rejected++
				}
				return nil
			})
		}
		_ = g.Wait()
		res.Uploaded += uploaded
		res.Rejected += rejected
		if firstErr != nil {
			failed.add(t, PhaseUpload, firstErr)
			return
		}
	}
}

// uploadRecord uploads one record. It reports false without an error when
// the server rejected the record or it was not uploadable; those never
// fail the cycle. Any other error is transient and fails the table.
func (e *Engine) uploadRecord(ctx context.Context, t schema.Table, id string) (bool, error) {
	// Bookkeeping must land even if the upload was cancelled, or the
	// record would stay in flight until the next start.
	bg := context.WithoutCancel(ctx)

	rec, err := e.store.MarkSyncing(bg, t, id)
	if errors.Is(err, store.ErrNotUploadable) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	server, err := e.backend.Upsert(ctx, remote.Change{
		Table:  t,
		ID:     id,
		Fields: rec.UploadPayload(),
		New:    rec.Base == nil,
	})
	if err != nil {
		var rejected *remote.RejectedError
		if errors.As(err, &rejected) {
			e.logger.Warn("upload rejected",
				zap.String("table", string(t)),
				zap.String("id", id),
				zap.String("code", rejected.Code),
				zap.Bool("missing_parent", rejected.IsForeignKeyViolation()),
				zap.Int("attempt", rec.Meta.RetryCount+1),
				zap.Error(err),
			)
			if ferr := e.store.MarkFailed(bg, t, id, rec.Meta.Rev, err.Error()); ferr != nil {
				return false, ferr
			}
			return false, nil
		}
		if rerr := e.store.RequeueTransient(bg, t, id, rec.Meta.Rev); rerr != nil {
			e.logger.Error("failed to requeue record", zap.String("table", string(t)), zap.String("id", id), zap.Error(rerr))
		}
		return false, err
	}

	synced, err := e.store.AckUpload(bg, t, id, rec.Meta.Rev, server)
	if err != nil {
		return false, err
	}
	if !synced {
		e.logger.Debug("record edited during upload",
			zap.String("table", string(t)), zap.String("id", id))
	}
	return true, nil
}

// download pulls every row changed since the table's watermark and returns
// the number applied and the newest updated_at seen.
func (e *Engine) download(ctx context.Context, t schema.Table) (int, time.Time, error) {
	since, _, err := e.store.Watermark(ctx, t)
	if err != nil {
		return 0, time.Time{}, err
	}

	var (
		applied int
		mark    time.Time
	)
	for offset := 0; ; offset += e.cfg.PageSize {
		rows, err := e.backend.FetchSince(ctx, t, since, e.cfg.PageSize, offset)
		if err != nil {
			return applied, time.Time{}, err
		}

		valid := rows[:0]
		for _, row := range rows {
			_, diags, err := dto.Decode(t, row)
			if err != nil {
				e.logger.Warn("skipping undecodable row",
					zap.String("table", string(t)), zap.String("id", row.ID()), zap.Error(err))
				continue
			}
			e.diags.Report(diags...)
			if ts, ok := row.Time("updated_at"); ok && ts.After(mark) {
				mark = ts
			}
			valid = append(valid, row)
		}

		br, err := e.store.ApplyRemoteBatch(ctx, t, valid)
		applied += br.Applied
		if err != nil {
			return applied, time.Time{}, err
		}
		if br.SkippedDirty > 0 {
			e.logger.Debug("kept local changes over downloaded rows",
				zap.String("table", string(t)), zap.Int("records", br.SkippedDirty))
		}

		if len(rows) < e.cfg.PageSize {
			return applied, mark, nil
		}
	}
}

// removeOrphans deletes synced local records the server no longer has.
func (e *Engine) removeOrphans(ctx context.Context, t schema.Table) (int, error) {
	ids, err := e.backend.FetchIDs(ctx, t)
	if err != nil {
		return 0, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	removed, err := e.store.RemoveOrphans(ctx, t, set)
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		e.logger.Info("removed records deleted on server",
			zap.String("table", string(t)), zap.Int("records", len(removed)))
	}
	return len(removed), nil
}
