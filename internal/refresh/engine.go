// Package refresh periodically re-polls the rating source for every stored player and
// appends new observations when ratings change.
//
// One Engine drives one sweep at a time: it scans the store page by page, processes the
// records of a page on a bounded worker pool, and paces both page fetches and whole
// sweeps to configured minimum intervals. Failures of individual records are logged and
// counted but never stop the sweep; a failed page scan is retried from the same cursor
// after a backoff.
package refresh

import (
	"context"
	"errors"
	"time"

	"ratings-tracker/internal/api"
	"ratings-tracker/internal/codec"
	"ratings-tracker/internal/config"
	"ratings-tracker/internal/domain"
	"ratings-tracker/internal/merge"
	"ratings-tracker/internal/metrics"
	"ratings-tracker/internal/repository"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store is the subset of the record store the engine needs.
type Store interface {
	Scan(ctx context.Context, cursor string, pageSize int) (repository.Page, error)
	Put(ctx context.Context, rec domain.StoredRecord) error
}

type Options struct {
	PageSize      int
	Workers       int
	PageDelay     time.Duration
	SweepDuration time.Duration
	ScanBackoff   time.Duration
	FetchTimeout  time.Duration
	StoreTimeout  time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PageSize:      cfg.Refresh.PageSize,
		Workers:       cfg.Refresh.Workers,
		PageDelay:     cfg.Refresh.PageDelay,
		SweepDuration: cfg.Refresh.SweepDuration,
		ScanBackoff:   cfg.Refresh.ScanBackoff,
		FetchTimeout:  cfg.Source.FetchTimeout,
		StoreTimeout:  cfg.Refresh.StoreTimeout,
	}
}

// SweepStats summarizes one pass over the store.
type SweepStats struct {
	ID           string
	Pages        int
	ScanFailures int
	Duration     time.Duration
	Tally
}

type Engine struct {
	store   Store
	source  api.Source
	policy  merge.Policy
	clock   Clock
	metrics metrics.Recorder
	logger  zerolog.Logger
	opts    Options

	// Only the page-fetch step touches these.
	cursor   string
	lastScan time.Time
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithMetrics(m metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(store Store, source api.Source, policy merge.Policy, opts Options, logger zerolog.Logger, options ...Option) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ScanBackoff <= 0 {
		opts.ScanBackoff = time.Hour
	}
	e := &Engine{
		store:   store,
		source:  source,
		policy:  policy,
		clock:   RealClock(),
		metrics: metrics.NewNop(),
		logger:  logger.With().Str("component", "refresh").Logger(),
		opts:    opts,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Run performs sweeps back to back until ctx is cancelled. A sweep that finishes faster
// than SweepDuration is followed by a sleep for the remainder. Cancellation lets in-flight
// records finish and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Int("page_size", e.opts.PageSize).
		Int("workers", e.opts.Workers).
		Dur("page_delay", e.opts.PageDelay).
		Dur("sweep_duration", e.opts.SweepDuration).
		Dur("scan_backoff", e.opts.ScanBackoff).
		Msg("refresh engine starting")

	for {
		stats, err := e.Sweep(ctx)
		if errors.Is(err, ErrShutdown) {
			e.logger.Info().Str("sweep_id", stats.ID).Int("processed", stats.Processed).Msg("refresh engine stopped")
			return nil
		}
		if err != nil {
			return err
		}

		if remaining := e.opts.SweepDuration - stats.Duration; remaining > 0 {
			e.logger.Debug().Str("sweep_id", stats.ID).Dur("sleep", remaining).Msg("pacing next sweep")
			if err := e.clock.Sleep(ctx, remaining); err != nil {
				e.logger.Info().Msg("refresh engine stopped")
				return nil
			}
		}
	}
}

// Sweep scans the whole store once. It returns ErrShutdown, together with the partial
// stats, when ctx is cancelled before the last page has been processed.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	id, err := gonanoid.New()
	if err != nil {
		return SweepStats{}, err
	}
	stats := SweepStats{ID: id}
	start := e.clock.Now()
	log := e.logger.With().Str("sweep_id", id).Logger()

	log.Info().Msg("sweep started")
	e.cursor = ""
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return stats, ErrShutdown
		}
		if err := e.paceScan(ctx); err != nil {
			return stats, ErrShutdown
		}

		page, err := e.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ErrShutdown
			}
			stats.ScanFailures++
			consecutive++
			e.metrics.RecordScanFailure()
			log.Error().
				Err(err).
				Str("cursor", e.cursor).
				Int("consecutive_failures", consecutive).
				Dur("backoff", e.opts.ScanBackoff).
				Msg("page scan failed, retrying from same position")
			if err := e.clock.Sleep(ctx, e.opts.ScanBackoff); err != nil {
				return stats, ErrShutdown
			}
			continue
		}
		consecutive = 0

		pageStart := e.clock.Now()
		tally := e.processPage(ctx, log, page.Items)
		pageDur := e.clock.Now().Sub(pageStart)

		stats.Pages++
		stats.Tally.Merge(tally)
		e.metrics.RecordPage(len(page.Items), pageDur)

		log.Debug().
			Int("page", stats.Pages).
			Int("items", len(page.Items)).
			Int("updated", tally.Updated).
			Int("failed", tally.Failed).
			Dur("duration", pageDur).
			Msg("page processed")

		if tally.Processed < len(page.Items) {
			return stats, ErrShutdown
		}
		if page.Next == "" {
			break
		}
		e.cursor = page.Next
	}

	stats.Duration = e.clock.Now().Sub(start)
	e.metrics.RecordSweep(stats.Processed, stats.Updated, stats.Unchanged, stats.Skipped, stats.Failed, stats.Duration)

	ev := log.Info().
		Int("pages", stats.Pages).
		Int("processed", stats.Processed).
		Int("updated", stats.Updated).
		Int("unchanged", stats.Unchanged).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Dur("duration", stats.Duration)
	if tr, ok := e.source.(api.ThrottleReporter); ok {
		rl := tr.GetRateLimitInfo()
		ev = ev.Int("throttled", rl.Throttled).Dur("retry_after", rl.RetryAfter)
	}
	ev.Msg("sweep complete")

	return stats, nil
}

// paceScan waits until at least PageDelay has passed since the previous page fetch.
func (e *Engine) paceScan(ctx context.Context) error {
	if e.lastScan.IsZero() {
		return nil
	}
	wait := e.opts.PageDelay - e.clock.Now().Sub(e.lastScan)
	if wait <= 0 {
		return nil
	}
	return e.clock.Sleep(ctx, wait)
}

func (e *Engine) scan(ctx context.Context) (repository.Page, error) {
	e.lastScan = e.clock.Now()

	sctx, cancel := e.withTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	page, err := e.store.Scan(sctx, e.cursor, e.opts.PageSize)
	if err != nil {
		return repository.Page{}, &StoreError{Op: "scan", Err: err}
	}
	return page, nil
}

// processPage handles every record of a page on the worker pool. Records not yet started
// when ctx is cancelled are left for the next run; started ones run to completion.
func (e *Engine) processPage(ctx context.Context, log zerolog.Logger, items []domain.StoredRecord) Tally {
	outcomes := make([]Outcome, len(items))
	started := make([]bool, len(items))
	work := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		// Go blocks until a worker is free, so the check inside runs only once the
		// record could actually start.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			outcomes[i] = e.processRecord(work, item)
			return nil
		})
	}
	_ = g.Wait()

	var tally Tally
	for i, o := range outcomes {
		if !started[i] {
			continue
		}
		tally.Add(o)
		e.metrics.RecordOutcome(o.Kind.String())
		e.logOutcome(log, o)
	}
	return tally
}

// processRecord refreshes one record. The stored key is the identifier sent to the source.
func (e *Engine) processRecord(ctx context.Context, item domain.StoredRecord) Outcome {
	rec, err := codec.Decode(item.Payload)
	if err != nil {
		return failed(item.Key, StageDecode, err)
	}
	if rec.Key != item.Key {
		e.logger.Warn().Str("key", item.Key).Str("payload_key", rec.Key).Msg("payload key differs from store key, using store key")
		rec.Key = item.Key
	}

	fctx, cancel := e.withTimeout(ctx, e.opts.FetchTimeout)
	out := e.source.FetchRatings(fctx, item.Key)
	cancel()

	switch out.Kind {
	case api.Found:
	case api.NotRegistered:
		return skipped(item.Key, StageFetch, "not registered")
	case api.TransientError:
		return failed(item.Key, StageFetch, out.Err)
	default:
		return failed(item.Key, StageFetch, errors.New("unknown source outcome"))
	}

	now := uint64(e.clock.Now().Unix())
	merged, res := e.policy.MergeRecord(rec, out.Snapshot, now)
	for _, r := range res.Rejected {
		e.logger.Warn().
			Str("key", item.Key).
			Str("stage", string(StageMerge)).
			Str("category", r.Category).
			Float64("value", r.Value).
			Float64("min", e.policy.Min).
			Float64("max", e.policy.Max).
			Msg("rating out of bounds, category not updated")
	}
	if !res.Changed {
		return unchanged(item.Key)
	}

	payload, err := codec.Encode(merged)
	if err != nil {
		return failed(item.Key, StageEncode, err)
	}

	wctx, cancel := e.withTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	if err := e.store.Put(wctx, domain.StoredRecord{Key: item.Key, Payload: payload}); err != nil {
		return failed(item.Key, StageWrite, &StoreError{Op: "put", Err: err})
	}
	return updated(item.Key)
}

func (e *Engine) logOutcome(log zerolog.Logger, o Outcome) {
	switch o.Kind {
	case Failed:
		log.Warn().Err(o.Err).Str("key", o.Key).Str("stage", string(o.Stage)).Msg("record refresh failed")
	case Skipped:
		log.Info().Str("key", o.Key).Str("stage", string(o.Stage)).Str("reason", o.Reason).Msg("record skipped")
	case Updated:
		log.Debug().Str("key", o.Key).Msg("record updated")
	}
}

func (e *Engine) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
