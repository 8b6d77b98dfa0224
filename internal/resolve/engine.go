// Package resolve turns a conflict record plus a policy choice into a
// reconciled entry.
//
// KeepLocal, KeepRemote and KeepBoth are synchronous and never fail.
// AIMerge asks a completion provider for a merged value under a per-attempt
// timeout and a bounded number of attempts. Whenever AIMerge cannot produce a
// value it degrades to KeepLocal and says so in the Outcome; it never
// reports success for a merge that did not happen.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcliao/memory-mesh/internal/clock"
	"github.com/rcliao/memory-mesh/internal/completion"
	"github.com/rcliao/memory-mesh/internal/config"
	"github.com/rcliao/memory-mesh/internal/model"
)

// Errors describing why an AI merge degraded.
var (
	ErrProviderUnavailable = errors.New("ai merge provider unavailable")
	ErrResolutionTimeout   = errors.New("ai merge timed out")
	ErrUnparsableResponse  = errors.New("ai merge response unparsable")
)

// Options tunes the engine.
type Options struct {
	NodeID   string
	Timeout  time.Duration // per provider attempt
	Attempts int           // total provider attempts
	Backoff  time.Duration // multiplied by the attempt number
	Strategy model.Strategy
	Now      func() time.Time
}

// OptionsFromConfig maps process configuration onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	strategy, err := model.ParseStrategy(cfg.AIStrategy)
	if err != nil {
		log.Warn().Err(err).Msg("unknown ai_strategy, using smart_merge")
		strategy = model.SmartMerge
	}
	return Options{
		NodeID:   cfg.NodeID,
		Timeout:  cfg.ConflictTimeout(),
		Attempts: cfg.AIMaxRetries,
		Backoff:  cfg.AIRetryBackoff,
		Strategy: strategy,
	}
}

// Outcome is the result of applying a policy.
type Outcome struct {
	// Requested is the policy the caller asked for.
	Requested model.ChoiceKind `json:"requested"`
	// Applied is the policy that produced Reconciliation. It differs from
	// Requested only when an AI merge degraded.
	Applied        model.ResolutionChoice `json:"applied"`
	Reconciliation model.Reconciliation   `json:"-"`
	Degraded       bool                   `json:"degraded,omitempty"`
	Cause          error                  `json:"-"`
	Attempts       int                    `json:"attempts,omitempty"`
	// Obsolete is set when the conflict disappeared before it was resolved
	// and nothing was written.
	Obsolete bool `json:"obsolete,omitempty"`
}

// Engine applies resolution policies.
type Engine struct {
	provider completion.Provider
	opts     Options
}

// NewEngine returns an engine. A nil provider behaves like completion.Noop.
func NewEngine(p completion.Provider, opts Options) *Engine {
	if p == nil {
		p = completion.Noop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultConflictTimeoutSecs * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = config.DefaultAIMaxRetries
	}
	if opts.Strategy == "" {
		opts.Strategy = model.SmartMerge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{provider: p, opts: opts}
}

// Resolve applies choice to rec. Only AIMerge can return an error, and only
// when ctx itself is cancelled; nothing must be written in that case.
func (e *Engine) Resolve(ctx context.Context, rec model.ConflictRecord, choice model.ResolutionChoice) (*Outcome, error) {
	out := &Outcome{Requested: choice.Kind}

	switch choice.Kind {
	case model.KeepLocal:
		out.Applied = model.ResolutionChoice{Kind: model.KeepLocal}
		out.Reconciliation = e.pick(rec, rec.Local)
	case model.KeepRemote:
		out.Applied = model.ResolutionChoice{Kind: model.KeepRemote}
		out.Reconciliation = e.pick(rec, rec.Remote)
	case model.KeepBoth:
		archiveKey := model.ArchiveKey(rec.Key, rec.ID)
		out.Applied = model.ResolutionChoice{Kind: model.KeepBoth, ArchiveKey: archiveKey}
		out.Reconciliation = e.pick(rec, rec.Local)
		archived := rec.Remote.Clone()
		archived.Key = archiveKey
		out.Reconciliation.Archived = &archived
	case model.AIMerge:
		if err := e.aiMerge(ctx, rec, choice.Strategy, out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d (valid: %s)", model.ErrInvalidChoice, choice.Kind, model.ValidChoices)
	}

	return out, nil
}

// pick keeps side's value under the record key with a resolved clock.
func (e *Engine) pick(rec model.ConflictRecord, side model.MemoryEntry) model.Reconciliation {
	entry := side.Clone()
	entry.Key = rec.Key
	entry.Domain = model.DomainPublic
	entry.Clock = e.resolvedClock(rec)
	return model.Reconciliation{ConflictID: rec.ID, Key: rec.Key, Entry: entry}
}

// resolvedClock is the join of both sides advanced by this node, so the
// resolution is itself a new write. Two nodes resolving the same pair get
// concurrent clocks and a differing outcome shows up as a fresh conflict.
func (e *Engine) resolvedClock(rec model.ConflictRecord) clock.VersionClock {
	c := rec.Local.Clock.Merge(rec.Remote.Clock)
	if e.opts.NodeID != "" {
		c.Increment(e.opts.NodeID)
	}
	return c
}

func (e *Engine) aiMerge(ctx context.Context, rec model.ConflictRecord, strategy model.Strategy, out *Outcome) error {
	if strategy == "" {
		strategy = e.opts.Strategy
	}
	prompt := BuildPrompt(rec, strategy)

	merged, attempts, err := e.complete(ctx, prompt)
	out.Attempts = attempts
	aiMergeAttempts.Add(ctx, int64(attempts))

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ai merge cancelled: %w", ctx.Err())
		}
		log.Warn().
			Err(err).
			Str("conflict_id", rec.ID).
			Str("key", rec.Key).
			Int("attempts", attempts).
			Msg("ai merge failed, keeping local version")
		aiMergeDegraded.Add(ctx, 1)
		out.Degraded = true
		out.Cause = err
		out.Applied = model.ResolutionChoice{Kind: model.KeepLocal}
		out.Reconciliation = e.pick(rec, rec.Local)
		return nil
	}

	entry := rec.Local.Clone()
	entry.Value = []byte(merged)
	entry.Domain = model.DomainPublic
	entry.Clock = e.resolvedClock(rec)
	if e.opts.NodeID != "" {
		entry.OriginNode = e.opts.NodeID
	}
	entry.UpdatedAt = e.opts.Now().UTC()

	out.Applied = model.ResolutionChoice{Kind: model.AIMerge, Strategy: strategy}
	out.Reconciliation = model.Reconciliation{ConflictID: rec.ID, Key: rec.Key, Entry: entry}
	return nil
}

// complete calls the provider until it yields a parsable answer or the
// attempts run out. It returns the number of provider calls made.
func (e *Engine) complete(ctx context.Context, prompt string) (string, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= e.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, e.opts.Backoff*time.Duration(attempt-1)); err != nil {
				return "", attempts, err
			}
		}

		attempts++
		raw, err := e.attempt(ctx, prompt)
		if err == nil {
			merged, perr := CleanResponse(raw)
			if perr == nil {
				return merged, attempts, nil
			}
			err = perr
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", attempts, ctx.Err()
		}
		if errors.Is(err, ErrProviderUnavailable) {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("ai merge attempt failed")
	}
	return "", attempts, lastErr
}

func (e *Engine) attempt(ctx context.Context, prompt string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	raw, err := e.provider.Complete(actx, prompt)
	switch {
	case err == nil:
		return raw, nil
	case errors.Is(err, completion.ErrUnavailable):
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return "", fmt.Errorf("%w after %s", ErrResolutionTimeout, e.opts.Timeout)
	default:
		return "", err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
