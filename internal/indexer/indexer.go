// Package indexer drives the sync loop: a one-time backfill from the last
// committed cursor (or the deployment block) up to the chain head in
// bounded ranges, followed by a continuous tail-poll loop. It owns an
// in-memory cache of positions to avoid a round trip to the store per event
// within a single range, but the store remains authoritative — the cache is
// rehydrated from it on startup.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sage-finance/sagepoints/internal/model"
	"github.com/sage-finance/sagepoints/internal/points"
	"github.com/sage-finance/sagepoints/internal/statemachine"
	"github.com/sage-finance/sagepoints/internal/store"
)

// ChainReader is the subset of internal/chain.Client the indexer depends on.
type ChainReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, fromBlock, toBlock uint64) ([]model.Event, error)
}

const (
	rateLimitMaxRetries = 3
	rateLimitBackoff    = 2 * time.Second
	interRangeDelay     = 100 * time.Millisecond
	pointsSummaryPeriod = 60 * time.Second
)

// Indexer coordinates chain reads, the state machine, and store writes.
type Indexer struct {
	chain           ChainReader
	store           store.Store
	log             *zap.SugaredLogger
	deploymentBlock uint64
	maxRange        uint64
	pollInterval    time.Duration
	rateLimitRetries int

	positions map[model.PositionKey]model.Position
}

// Option configures an Indexer at construction time.
type Option func(*Indexer)

// WithPollInterval overrides the tail-mode poll cadence (default 2s).
func WithPollInterval(d time.Duration) Option {
	return func(idx *Indexer) { idx.pollInterval = d }
}

// WithMaxRange overrides the per-request block range (default 500).
func WithMaxRange(n uint64) Option {
	return func(idx *Indexer) { idx.maxRange = n }
}

// WithRateLimitBackoff overrides how many times a rate-limited range query
// is retried before being skipped without advancing the cursor (default 3).
func WithRateLimitBackoff(retries int) Option {
	return func(idx *Indexer) { idx.rateLimitRetries = retries }
}

// New builds an Indexer. deploymentBlock is used when the store has no
// committed cursor yet, or when the committed cursor is below it.
func New(chain ChainReader, st store.Store, log *zap.SugaredLogger, deploymentBlock, maxRange uint64, opts ...Option) *Indexer {
	idx := &Indexer{
		chain:            chain,
		store:            st,
		log:              log,
		deploymentBlock:  deploymentBlock,
		maxRange:         maxRange,
		pollInterval:     2 * time.Second,
		rateLimitRetries: rateLimitMaxRetries,
		positions:        make(map[model.PositionKey]model.Position),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.maxRange == 0 {
		idx.maxRange = 500
	}
	return idx
}

// Run rehydrates the position cache, backfills to the chain head, then
// tail-polls until ctx is cancelled.
func (idx *Indexer) Run(ctx context.Context) error {
	if err := idx.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate positions: %w", err)
	}

	cursor, ok, err := idx.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	lastBlock := idx.deploymentBlock
	if ok && cursor >= idx.deploymentBlock {
		lastBlock = cursor
	}

	if err := idx.backfill(ctx, lastBlock); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	return idx.tailPoll(ctx)
}

func (idx *Indexer) rehydrate(ctx context.Context) error {
	all, err := idx.store.LoadAllPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range all {
		idx.positions[pos.Key()] = pos
	}
	return nil
}

func (idx *Indexer) backfill(ctx context.Context, fromBlock uint64) error {
	head, err := idx.chain.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}
	if fromBlock >= head {
		return nil
	}

	idx.log.Infow("backfill starting", "from_block", fromBlock, "head", head)

	cursor := fromBlock
	for cursor < head {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		to := cursor + idx.maxRange
		if to > head {
			to = head
		}

		events, fetched := idx.fetchRangeWithRetry(ctx, cursor+1, to)
		if !fetched {
			// Rate-limited past the retry budget: skip this range without
			// advancing the cursor, matching the upstream behavior of
			// giving up and moving on rather than blocking forever.
			cursor = to
			continue
		}

		if err := idx.applyEvents(ctx, events, to); err != nil {
			return err
		}
		cursor = to

		idx.log.Debugw("backfill range processed", "to_block", to, "events", len(events))

		if cursor < head {
			time.Sleep(interRangeDelay)
		}
	}

	idx.log.Infow("backfill complete", "head", head)
	idx.logPointsSummary()
	return nil
}

// fetchRangeWithRetry fetches [from, to], retrying on rate-limit errors up
// to idx.rateLimitRetries times with a fixed backoff. Non-rate-limit errors
// and exhausted retries both report failure so the caller can skip the
// range without corrupting the cursor.
func (idx *Indexer) fetchRangeWithRetry(ctx context.Context, from, to uint64) ([]model.Event, bool) {
	for attempt := 0; ; attempt++ {
		events, err := idx.chain.FetchEvents(ctx, from, to)
		if err == nil {
			return events, true
		}
		if isRateLimitError(err) && attempt < idx.rateLimitRetries {
			idx.log.Warnw("rate limited fetching logs, retrying", "from_block", from, "to_block", to, "attempt", attempt+1)
			time.Sleep(rateLimitBackoff)
			continue
		}
		idx.log.Errorw("failed to fetch logs for range", "from_block", from, "to_block", to, "error", err)
		return nil, false
	}
}

func isRateLimitError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func (idx *Indexer) tailPoll(ctx context.Context) error {
	lastSummary := time.Now()
	ticker := time.NewTicker(idx.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Since(lastSummary) >= pointsSummaryPeriod {
				idx.logPointsSummary()
				lastSummary = time.Now()
			}

			cursor, ok, err := idx.store.GetCursor(ctx)
			if err != nil {
				idx.log.Errorw("failed to read cursor during tail poll", "error", err)
				continue
			}
			if !ok {
				cursor = idx.deploymentBlock
			}

			head, err := idx.chain.HeadBlock(ctx)
			if err != nil {
				idx.log.Errorw("failed to get chain head during tail poll", "error", err)
				continue
			}
			if head <= cursor {
				continue
			}

			events, fetched := idx.fetchRangeWithRetry(ctx, cursor+1, head)
			if !fetched {
				continue
			}
			if err := idx.applyEvents(ctx, events, head); err != nil {
				idx.log.Errorw("failed to apply tail-poll events", "error", err)
				continue
			}
			if len(events) > 0 {
				idx.log.Debugw("tail poll processed events", "count", len(events), "to_block", head)
				idx.logPointsSummary()
			}
		}
	}
}

// applyEvents runs every event through the state machine and commits the
// resulting positions, the full event audit log, and the new cursor in one
// atomic batch.
func (idx *Indexer) applyEvents(ctx context.Context, events []model.Event, newCursor uint64) error {
	touched := make(map[model.PositionKey]model.Position)

	for _, evt := range events {
		key := eventKey(evt)
		var current *model.Position
		if pos, ok := touched[key]; ok {
			current = &pos
		} else if pos, ok := idx.positions[key]; ok {
			current = &pos
		}

		next, err := statemachine.Apply(current, evt)
		if err != nil {
			if statemachine.IsRejected(err) {
				idx.log.Warnw("rejected event", "user", evt.UserAddress, "nonce", evt.Nonce, "event_type", evt.EventType, "reason", err)
				continue
			}
			return fmt.Errorf("apply event %s: %w", evt.EventType, err)
		}
		touched[key] = next
	}

	positionsBatch := make([]model.Position, 0, len(touched))
	for _, pos := range touched {
		positionsBatch = append(positionsBatch, pos)
	}

	if err := idx.store.ApplyBatch(ctx, positionsBatch, events, newCursor); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	for key, pos := range touched {
		idx.positions[key] = pos
	}
	return nil
}

func (idx *Indexer) logPointsSummary() {
	now := time.Now()
	var totalSage, totalFormation float64
	for _, pos := range idx.positions {
		totals := points.Compute(pos, now)
		sage, _ := totals.Sage.Float64()
		formation, _ := totals.Formation.Float64()
		totalSage += sage
		totalFormation += formation
	}
	idx.log.Infow("points summary", "positions", len(idx.positions), "total_sage", totalSage, "total_formation", totalFormation)
}

func eventKey(evt model.Event) model.PositionKey {
	var nonce uint64
	if evt.Nonce != nil {
		nonce = *evt.Nonce
	}
	return model.PositionKey{UserAddress: evt.UserAddress, Nonce: nonce}
}
