// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline orchestrates one end-to-end ingestion run:
// fetch → parse → classify → aggregate. Individual records may fail without
// aborting the run; the run itself fails only on a permanent source error
// or when the failure rate crosses the configured threshold.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/ukb-pipeline/internal/aggregate"
	"github.com/pdiddy/ukb-pipeline/internal/classify"
	"github.com/pdiddy/ukb-pipeline/internal/fetch"
	"github.com/pdiddy/ukb-pipeline/internal/parse"
	"github.com/pdiddy/ukb-pipeline/internal/store"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// Run states as recorded on the run row. Fetching and parsing are
// interleaved per record, so a live run moves directly from fetching to
// classifying; StateParsing is part of the lifecycle vocabulary but only
// appears on a run row if the stages are ever split.
const (
	StateInit        = "init"
	StateFetching    = "fetching"
	StateParsing     = "parsing"
	StateClassifying = "classifying"
	StateAggregating = "aggregating"
	StateDone        = "done"
	StateFailed      = "failed"
	StateInterrupted = "interrupted"
)

// failureSampleLimit bounds how many per-record failure reasons the
// end-of-run summary reports.
const failureSampleLimit = 10

// ThresholdError aborts a run whose per-record failure rate exceeded the
// configured ceiling.
type ThresholdError struct {
	Failed    int
	Processed int
	Threshold float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("failure rate %d/%d exceeds threshold %.2f",
		e.Failed, e.Processed, e.Threshold)
}

// Fetcher is the source contract the orchestrator depends on. Satisfied by
// fetch.Fetcher; tests substitute an in-memory implementation.
type Fetcher interface {
	Fetch(ctx context.Context, cursor int, fn func(types.RawRecord) error) (int, error)
}

// Summary is the user-visible end-of-run report.
type Summary struct {
	State          string                `json:"state" yaml:"state"`
	Processed      int                   `json:"processed" yaml:"processed"`
	Failed         int                   `json:"failed" yaml:"failed"`
	Counts         map[string]int        `json:"counts" yaml:"counts"`
	FailureSamples []string              `json:"failure_samples,omitempty" yaml:"failure_samples,omitempty"`
	Aggregate      types.AggregateOutput `json:"aggregate" yaml:"aggregate"`
}

// Runner holds everything one pipeline run needs.
type Runner struct {
	Store   *store.Store
	Fetcher Fetcher
	Backend classify.Backend
	Config  types.Config
	Log     *zap.Logger

	mu        sync.Mutex
	failed    int
	samples   []string
	processed int
}

// NewRunner wires a Runner. A nil logger is replaced with a no-op one.
func NewRunner(st *store.Store, fetcher Fetcher, backend classify.Backend, cfg types.Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Pipeline.FailureThreshold <= 0 || cfg.Pipeline.FailureThreshold > 1 {
		cfg.Pipeline.FailureThreshold = 0.5
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	return &Runner{Store: st, Fetcher: fetcher, Backend: backend, Config: cfg, Log: log}
}

// recordFailure tracks one per-record failure and keeps a bounded sample of
// reasons for the summary.
func (r *Runner) recordFailure(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	if len(r.samples) < failureSampleLimit {
		if id == "" {
			r.samples = append(r.samples, reason)
		} else {
			r.samples = append(r.samples, fmt.Sprintf("%s: %s", id, reason))
		}
	}
}

// Run executes the full state machine. It is idempotent for an unchanged
// source: re-running with force=false neither duplicates records nor
// regresses statuses. On cancellation the run is marked interrupted and the
// store is left in a valid, partially advanced state.
func (r *Runner) Run(ctx context.Context, w io.Writer) (*Summary, error) {
	runID, resumeCursor, err := r.Store.BeginRun(ctx)
	if err != nil {
		return nil, err
	}

	summary, err := r.execute(ctx, runID, resumeCursor, w)

	final := StateDone
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		final = StateInterrupted
	case err != nil:
		final = StateFailed
	}
	if finishErr := r.Store.FinishRun(context.WithoutCancel(ctx), runID, final); finishErr != nil {
		r.Log.Error("finishing run", zap.Error(finishErr))
	}
	if summary != nil {
		summary.State = final
	}
	return summary, err
}

func (r *Runner) execute(ctx context.Context, runID int64, resumeCursor int, w io.Writer) (*Summary, error) {
	force := r.Config.Pipeline.Force
	cursor := resumeCursor
	if force {
		cursor = 0
	}

	// Fetch and parse are interleaved per record: each raw record is
	// normalized and committed before the cursor advances, so an
	// interrupted run never loses committed work.
	if err := r.Store.SetRunState(ctx, runID, StateFetching); err != nil {
		return nil, err
	}
	r.Log.Info("run started",
		zap.Int64("run_id", runID),
		zap.Int("cursor", cursor),
		zap.Bool("force", force))

	_, err := r.Fetcher.Fetch(ctx, cursor, func(raw types.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.ingest(ctx, raw, force, w)
		return r.Store.SaveCursor(ctx, runID, raw.Cursor+1)
	})
	if err != nil {
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			// Source-level failure: nothing more can be ingested this run.
			return r.summarize(ctx, nil), err
		}
		return nil, err
	}

	if err := r.Store.SetRunState(ctx, runID, StateClassifying); err != nil {
		return nil, err
	}
	if err := r.classifyAll(ctx, force, w); err != nil {
		return r.summarize(ctx, nil), err
	}

	if err := r.checkThreshold(); err != nil {
		return r.summarize(ctx, nil), err
	}

	if err := r.Store.SetRunState(ctx, runID, StateAggregating); err != nil {
		return nil, err
	}
	records, err := r.Store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	agg := aggregate.Compute(records)

	summary := r.summarize(ctx, &agg)
	r.printSummary(summary, w)
	return summary, nil
}

// ingest parses one raw record and commits it. Parse failures without a
// recoverable identifier are dropped and counted; upsert conflicts are
// surfaced in the failure samples, never merged silently.
func (r *Runner) ingest(ctx context.Context, raw types.RawRecord, force bool, w io.Writer) {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()

	rec, err := parse.Parse(raw)
	if err != nil {
		r.recordFailure("", fmt.Sprintf("record %d: %v", raw.Cursor, err))
		fmt.Fprintf(w, "failed  record %d: %v\n", raw.Cursor, err)
		return
	}

	if !force {
		if existing, err := r.Store.Get(ctx, rec.ID); err == nil &&
			existing.FetchStatus == types.StatusClassified {
			return // already fully processed; idempotent skip
		}
	}

	opts := store.UpsertOptions{ForceStatus: force}
	if err := r.Store.Upsert(ctx, rec, opts); err != nil {
		var ce *store.ConflictError
		if errors.As(err, &ce) {
			r.recordFailure(rec.ID, ce.Error())
			fmt.Fprintf(w, "conflict %s: %v\n", rec.ID, ce)
			return
		}
		r.recordFailure(rec.ID, err.Error())
		fmt.Fprintf(w, "failed  %s: %v\n", rec.ID, err)
	}
}

// classifyAll labels every record that still needs it, bounded by the
// worker limit. All store writes funnel through the store's serialized
// upsert, so workers never interleave partial records.
func (r *Runner) classifyAll(ctx context.Context, force bool, w io.Writer) error {
	candidates, err := r.candidates(ctx, force)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Config.Pipeline.Workers)

	var printMu sync.Mutex

	for _, rec := range candidates {
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			labels, err := classify.ClassifyRecord(gctx, r.Backend, rec, r.Config.Classify.MaxRetries)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				r.recordFailure(rec.ID, err.Error())
				failed := *rec
				failed.FetchStatus = types.StatusFailed
				failed.ErrorNote = err.Error()
				if upErr := r.Store.Upsert(gctx, &failed, store.UpsertOptions{ForceStatus: true}); upErr != nil {
					return upErr
				}
				printMu.Lock()
				fmt.Fprintf(w, "failed  %s: %v\n", rec.ID, err)
				printMu.Unlock()
				return nil
			}

			done := *rec
			done.FieldLabels = labels
			done.FetchStatus = types.StatusClassified
			done.ErrorNote = ""
			return r.Store.Upsert(gctx, &done, store.UpsertOptions{ForceStatus: force || rec.FetchStatus == types.StatusFailed})
		})
	}
	return g.Wait()
}

// candidates selects the records classifyAll should touch: parsed records,
// failed records with enough text to retry, and, on forced runs, records
// that are already classified.
func (r *Runner) candidates(ctx context.Context, force bool) ([]*types.PublicationRecord, error) {
	parsed, err := r.Store.List(ctx, types.StatusParsed)
	if err != nil {
		return nil, err
	}
	failedRecs, err := r.Store.List(ctx, types.StatusFailed)
	if err != nil {
		return nil, err
	}
	out := parsed
	for _, rec := range failedRecs {
		if rec.Title != "" {
			out = append(out, rec)
		}
	}
	if force {
		classified, err := r.Store.List(ctx, types.StatusClassified)
		if err != nil {
			return nil, err
		}
		out = append(out, classified...)
	}
	return out, nil
}

func (r *Runner) checkThreshold() error {
	r.mu.Lock()
	failed, processed := r.failed, r.processed
	r.mu.Unlock()
	if processed == 0 {
		return nil
	}
	rate := float64(failed) / float64(processed)
	if rate > r.Config.Pipeline.FailureThreshold {
		return &ThresholdError{
			Failed:    failed,
			Processed: processed,
			Threshold: r.Config.Pipeline.FailureThreshold,
		}
	}
	return nil
}

func (r *Runner) summarize(ctx context.Context, agg *types.AggregateOutput) *Summary {
	counts := map[string]int{}
	if c, err := r.Store.Counts(context.WithoutCancel(ctx)); err == nil {
		for status, n := range c {
			counts[string(status)] = n
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Summary{
		Processed:      r.processed,
		Failed:         r.failed,
		Counts:         counts,
		FailureSamples: append([]string(nil), r.samples...),
	}
	if agg != nil {
		s.Aggregate = *agg
	}
	return s
}

func (r *Runner) printSummary(s *Summary, w io.Writer) {
	fmt.Fprintf(w, "\nprocessed: %d, failed: %d\n", s.Processed, s.Failed)
	for _, status := range []types.FetchStatus{
		types.StatusPending, types.StatusFetched, types.StatusParsed,
		types.StatusClassified, types.StatusFailed,
	} {
		if n := s.Counts[string(status)]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", status, n)
		}
	}
	if s.Aggregate.UnclassifiedCount > 0 {
		fmt.Fprintf(w, "unclassified: %d\n", s.Aggregate.UnclassifiedCount)
	}
	if len(s.FailureSamples) > 0 {
		fmt.Fprintln(w, "failure samples:")
		for _, sample := range s.FailureSamples {
			fmt.Fprintf(w, "  %s\n", sample)
		}
	}
}
