package ferry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// TxMode controls how a surge wraps its work in transactions.
type TxMode int

const (
	// TxNone runs in autocommit, or inside whatever transaction the
	// cursor already holds.
	TxNone TxMode = iota
	// TxRun wraps the whole run in one transaction.
	TxRun
	// TxBatch commits after every flushed batch, rolling back only the
	// batch that failed.
	TxBatch
)

// ErrorPolicy decides what a surge does with a row that fails.
type ErrorPolicy int

const (
	// ErrContinue counts the row as an error and keeps going, isolating
	// batch failures down to the offending rows.
	ErrContinue ErrorPolicy = iota
	// ErrAbort stops the run at the first failure.
	ErrAbort
)

// Progress is the cumulative accounting for one surge run.
type Progress struct {
	Processed  int64
	Inserted   int64
	Updated    int64
	Deleted    int64
	Merged     int64
	Incomplete int64
	Errors     int64
}

// Written is the number of rows applied to the target.
func (p Progress) Written() int64 {
	return p.Inserted + p.Updated + p.Deleted + p.Merged
}

func (p Progress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("processed", p.Processed),
		slog.Int64("inserted", p.Inserted),
		slog.Int64("updated", p.Updated),
		slog.Int64("deleted", p.Deleted),
		slog.Int64("merged", p.Merged),
		slog.Int64("incomplete", p.Incomplete),
		slog.Int64("errors", p.Errors),
	)
}

// Surge drives a Table over a streaming record source with batched
// execution. Batches go through the driver's prepared-statement loop;
// a failing batch degrades to row-at-a-time execution under
// ErrContinue so one bad row cannot sink its neighbors. Merges on
// engines without a native upsert stage each batch through a session
// temp table.
//
// A Surge reuses its Table and is therefore single-goroutine, like the
// Table itself.
type Surge struct {
	tbl      *Table
	batch    int
	txMode   TxMode
	onError  ErrorPolicy
	progress func(Progress)
}

// SurgeOption adjusts surge construction.
type SurgeOption func(*Surge)

// WithBatchSize sets rows per flush. The default is 1000.
func WithBatchSize(n int) SurgeOption {
	return func(s *Surge) { s.batch = n }
}

// WithTxMode sets the transaction wrapping. The default is TxNone.
func WithTxMode(m TxMode) SurgeOption {
	return func(s *Surge) { s.txMode = m }
}

// WithOnError sets the failure policy. The default is ErrContinue.
func WithOnError(p ErrorPolicy) SurgeOption {
	return func(s *Surge) { s.onError = p }
}

// WithProgress registers a sink that receives cumulative progress
// after every flushed batch and at end of run.
func WithProgress(fn func(Progress)) SurgeOption {
	return func(s *Surge) { s.progress = fn }
}

// NewSurge builds a bulk driver over tbl.
func NewSurge(tbl *Table, opts ...SurgeOption) (*Surge, error) {
	if tbl == nil {
		return nil, fmt.Errorf("surge: nil table")
	}
	s := &Surge{tbl: tbl, batch: defaultArraySize}
	for _, opt := range opts {
		opt(s)
	}
	if s.batch < 1 {
		return nil, fmt.Errorf("surge %s: batch size %d", tbl.Name(), s.batch)
	}
	return s, nil
}

// Insert drives src through the table's INSERT.
func (s *Surge) Insert(ctx context.Context, src iter.Seq2[*Record, error]) (Progress, error) {
	return s.Run(ctx, OpInsert, src)
}

// Update drives src through the table's UPDATE-by-key.
func (s *Surge) Update(ctx context.Context, src iter.Seq2[*Record, error]) (Progress, error) {
	return s.Run(ctx, OpUpdate, src)
}

// Delete drives src through the table's DELETE-by-key.
func (s *Surge) Delete(ctx context.Context, src iter.Seq2[*Record, error]) (Progress, error) {
	return s.Run(ctx, OpDelete, src)
}

// Merge upserts src into the table, natively when the engine can and
// through the temp-table strategy when it cannot.
func (s *Surge) Merge(ctx context.Context, src iter.Seq2[*Record, error]) (Progress, error) {
	return s.Run(ctx, OpMerge, src)
}

// runState is the per-run working set: resolved statements and, for
// temp-staged merges, the temp table's lifecycle.
type runState struct {
	payloadOp  Op
	native     bool
	sql        string   // direct or native-merge statement
	temp       string   // temp table name once created
	tempInsert string   // INSERT into temp
	mergeSQL   []string // statements that move temp into the target
}

// Run executes one operation over the source. Rows are processed in
// source order; database side effects land in batch-issue order.
func (s *Surge) Run(ctx context.Context, op Op, src iter.Seq2[*Record, error]) (Progress, error) {
	var prog Progress
	if op == OpSelect {
		return prog, fmt.Errorf("surge %s: cannot run select", s.tbl.Name())
	}
	start := time.Now()
	run, err := s.newRun(op)
	if err != nil {
		return prog, err
	}
	cur := s.tbl.cur

	if s.txMode == TxRun {
		if err := cur.Begin(ctx); err != nil {
			return prog, err
		}
	}
	committed := false
	defer func() {
		if !committed && s.txMode != TxNone {
			_ = cur.Rollback()
		}
		s.dropTemp(ctx, run)
	}()

	batch := make([][]any, 0, s.batch)
	for rec, srcErr := range src {
		if err := ctx.Err(); err != nil {
			return prog, err
		}
		if srcErr != nil {
			if s.onError == ErrAbort {
				return prog, fmt.Errorf("surge %s: source: %w", s.tbl.Name(), srcErr)
			}
			prog.Errors++
			continue
		}
		prog.Processed++
		if err := s.tbl.SetValues(ctx, rec); err != nil {
			// Already counted by the table; skip or abort per policy.
			prog.Errors++
			if s.onError == ErrAbort {
				return prog, err
			}
			continue
		}
		if !s.tbl.IsReady(op) {
			s.tbl.counts.Incomplete++
			prog.Incomplete++
			continue
		}
		batch = append(batch, s.tbl.BindParams(run.payloadOp))
		if len(batch) >= s.batch {
			if err := s.flush(ctx, op, run, batch, &prog); err != nil {
				return prog, err
			}
			batch = batch[:0]
		}
	}
	if err := s.flush(ctx, op, run, batch, &prog); err != nil {
		return prog, err
	}

	if s.txMode == TxRun {
		if err := cur.Commit(); err != nil {
			return prog, err
		}
	}
	committed = true
	s.emit(prog)
	s.tbl.logger.Info("surge complete",
		"table", s.tbl.Name(),
		"op", op.String(),
		"processed", humanize.Comma(prog.Processed),
		"written", humanize.Comma(prog.Written()),
		"incomplete", prog.Incomplete,
		"errors", prog.Errors,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return prog, nil
}

func (s *Surge) newRun(op Op) (*runState, error) {
	run := &runState{payloadOp: op, native: true}
	if op == OpMerge {
		d := s.tbl.dialect()
		run.native = d.SupportsUpsert() || d.SupportsMerge()
		if !run.native {
			// Temp staging loads rows with the INSERT payload shape.
			run.payloadOp = OpInsert
			if len(s.tbl.parts().Keys()) == 0 {
				return nil, fmt.Errorf("table %s: merge needs key columns", s.tbl.Name())
			}
			return run, nil
		}
	}
	text, err := s.tbl.SQL(op)
	if err != nil {
		return nil, err
	}
	run.sql = text
	return run, nil
}

func (s *Surge) flush(ctx context.Context, op Op, run *runState, batch [][]any, prog *Progress) error {
	if len(batch) == 0 {
		return nil
	}
	staged := op == OpMerge && !run.native
	if staged {
		// The temp table outlives batch transactions; create it first.
		if err := s.ensureTemp(ctx, run); err != nil {
			return err
		}
	}

	cur := s.tbl.cur
	if s.txMode == TxBatch {
		if err := cur.Begin(ctx); err != nil {
			return err
		}
		err := s.batchAtomic(ctx, run, staged, batch)
		if err != nil {
			_ = cur.Rollback()
			if s.onError == ErrAbort {
				return fmt.Errorf("surge %s %s: %w", s.tbl.Name(), op, err)
			}
			// The rolled-back batch replays row by row in autocommit,
			// isolating the failures.
			if err := s.replayRows(ctx, op, run, batch, prog); err != nil {
				return err
			}
		} else {
			if err := cur.Commit(); err != nil {
				return err
			}
			s.addOp(op, int64(len(batch)), prog)
		}
		s.emit(*prog)
		return nil
	}

	var err error
	if staged {
		err = s.mergeBatch(ctx, run, batch, prog)
	} else {
		err = s.directBatch(ctx, op, run, batch, prog)
	}
	if err != nil {
		return err
	}
	s.emit(*prog)
	return nil
}

// batchAtomic applies the whole batch or fails, leaving counting to the
// caller; under TxBatch nothing counts until the commit lands.
func (s *Surge) batchAtomic(ctx context.Context, run *runState, staged bool, batch [][]any) error {
	cur := s.tbl.cur
	if !staged {
		_, err := cur.ExecuteMany(ctx, run.sql, batch)
		return err
	}
	if _, err := cur.ExecuteMany(ctx, run.tempInsert, batch); err != nil {
		return fmt.Errorf("stage into %s: %w", run.temp, err)
	}
	if err := s.runStatements(ctx, run.mergeSQL); err != nil {
		return fmt.Errorf("merge from %s: %w", run.temp, err)
	}
	return s.clearTemp(ctx, run)
}

func (s *Surge) directBatch(ctx context.Context, op Op, run *runState, batch [][]any, prog *Progress) error {
	done, err := s.tbl.cur.ExecuteMany(ctx, run.sql, batch)
	if err == nil {
		s.addOp(op, int64(len(batch)), prog)
		return nil
	}
	if s.onError == ErrAbort {
		return fmt.Errorf("surge %s %s: %w", s.tbl.Name(), op, err)
	}
	// Rows before the offender landed; replay the rest one at a time.
	s.addOp(op, int64(done), prog)
	return s.replayRows(ctx, op, run, batch[done:], prog)
}

func (s *Surge) mergeBatch(ctx context.Context, run *runState, batch [][]any, prog *Progress) error {
	cur := s.tbl.cur
	done, err := cur.ExecuteMany(ctx, run.tempInsert, batch)
	good := batch
	if err != nil {
		if s.onError == ErrAbort {
			return fmt.Errorf("stage into %s: %w", run.temp, err)
		}
		// Re-stage the remainder row by row so only true offenders drop.
		good = append([][]any{}, batch[:done]...)
		for _, row := range batch[done:] {
			if rowErr := cur.run(ctx, run.tempInsert, row); rowErr != nil {
				s.addErr(1, prog)
				continue
			}
			good = append(good, row)
		}
	}
	if len(good) == 0 {
		return s.clearTemp(ctx, run)
	}

	if err := s.runStatements(ctx, run.mergeSQL); err != nil {
		if s.onError == ErrAbort {
			return fmt.Errorf("merge from %s: %w", run.temp, err)
		}
		// The merge itself rejected the batch; quarantine row by row.
		if err := s.clearTemp(ctx, run); err != nil {
			return err
		}
		return s.mergeRowByRow(ctx, run, good, prog)
	}
	s.addOp(OpMerge, int64(len(good)), prog)
	return s.clearTemp(ctx, run)
}

// mergeRowByRow pushes rows through the temp table one at a time:
// stage, merge, clear. Slow, and only for batches that already failed.
func (s *Surge) mergeRowByRow(ctx context.Context, run *runState, rows [][]any, prog *Progress) error {
	cur := s.tbl.cur
	for _, row := range rows {
		if err := cur.run(ctx, run.tempInsert, row); err != nil {
			s.addErr(1, prog)
			continue
		}
		mergeErr := s.runStatements(ctx, run.mergeSQL)
		if mergeErr != nil {
			s.addErr(1, prog)
		} else {
			s.addOp(OpMerge, 1, prog)
		}
		if err := s.clearTemp(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (s *Surge) replayRows(ctx context.Context, op Op, run *runState, rows [][]any, prog *Progress) error {
	if op == OpMerge && !run.native {
		return s.mergeRowByRow(ctx, run, rows, prog)
	}
	for _, row := range rows {
		if err := s.tbl.cur.run(ctx, run.sql, row); err != nil {
			s.addErr(1, prog)
			continue
		}
		s.addOp(op, 1, prog)
	}
	return nil
}

func (s *Surge) runStatements(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if err := s.tbl.cur.run(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// ensureTemp creates the session temp table mirroring the target, once
// per run. Failure here is a resource problem and always fatal.
func (s *Surge) ensureTemp(ctx context.Context, run *runState) error {
	if run.temp != "" {
		return nil
	}
	d := s.tbl.dialect()
	base := "ferry_tmp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	temp := d.TempName(base)
	p := s.tbl.parts()
	if err := s.tbl.cur.run(ctx, d.TempTableSQL(temp, p.Table, dmlNames(p.Cols)), nil); err != nil {
		return fmt.Errorf("create temp table %s: %w", temp, err)
	}
	run.temp = temp
	q, err := Translate(s.tbl.insertInto(temp), s.tbl.cur.style)
	if err != nil {
		return err
	}
	run.tempInsert = q.SQL()
	if m, ok := d.MergeFromTempSQL(p, temp); ok {
		run.mergeSQL = []string{m}
	} else {
		run.mergeSQL = deleteInsertSQL(p, temp)
	}
	return nil
}

func (s *Surge) clearTemp(ctx context.Context, run *runState) error {
	if err := s.tbl.cur.run(ctx, "DELETE FROM "+run.temp, nil); err != nil {
		return fmt.Errorf("clear temp table %s: %w", run.temp, err)
	}
	return nil
}

func (s *Surge) dropTemp(ctx context.Context, run *runState) {
	if run == nil || run.temp == "" {
		return
	}
	sqlText := s.tbl.dialect().DropTempSQL(run.temp)
	if err := s.tbl.cur.run(context.WithoutCancel(ctx), sqlText, nil); err != nil {
		s.tbl.logger.Warn("temp table drop failed", "table", run.temp, "error", err)
	}
}

// deleteInsertSQL is the merge of last resort for engines without a
// merge-from-temp statement: drop matching target rows, then copy the
// temp table in.
func deleteInsertSQL(p DMLParts, temp string) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s WHERE ", p.Table, temp)
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s.%s = %s.%s", temp, k.Quoted, p.Table, k.Quoted)
	}
	b.WriteString(")")
	names := strings.Join(dmlNames(p.Cols), ", ")
	return []string{
		b.String(),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", p.Table, names, names, temp),
	}
}

func (s *Surge) addOp(op Op, n int64, prog *Progress) {
	c := s.tbl.Counts()
	switch op {
	case OpInsert:
		c.Insert += n
		prog.Inserted += n
	case OpUpdate:
		c.Update += n
		prog.Updated += n
	case OpDelete:
		c.Delete += n
		prog.Deleted += n
	case OpMerge:
		c.Merge += n
		prog.Merged += n
	}
}

func (s *Surge) addErr(n int64, prog *Progress) {
	s.tbl.Counts().Error += n
	prog.Errors += n
}

func (s *Surge) emit(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}
