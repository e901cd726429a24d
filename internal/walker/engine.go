package walker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"weaver/internal/graph"
	pkgerrors "weaver/pkg/errors"
)

// Config carries the engine-wide traversal defaults. Per-walker limits
// set through Base.SetLimits take precedence.
type Config struct {
	DefaultMaxDepth  int
	DefaultMaxVisits int
}

// Engine drives walker traversals. One engine serves the whole
// process; each Spawn drains one walker on the calling goroutine, so
// different requests run independently.
type Engine struct {
	log    *zap.Logger
	events *EventBus
	cfg    Config
}

// NewEngine builds an engine with the given defaults.
func NewEngine(logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:    logger,
		events: NewEventBus(logger),
		cfg:    cfg,
	}
}

// Events exposes the engine's event bus for subscribers.
func (en *Engine) Events() *EventBus { return en.events }

// Spawn starts the walker on the given node and drains its queue to
// completion, pause or disengagement. A nil start defaults to the
// graph root. Traversal errors are recorded into the walker's
// response; the returned error covers spawn failures only.
func (en *Engine) Spawn(ctx context.Context, w Walker, start graph.NodeEntity) error {
	b := w.base()
	if b.State() != StateReady {
		return pkgerrors.NewInternal("walker already spawned", nil)
	}
	gctx := graph.Current(ctx)
	if gctx == nil {
		return pkgerrors.NewInternal("no graph context active", nil)
	}
	if start == nil {
		root, err := gctx.EnsureRoot(ctx)
		if err != nil {
			return err
		}
		start = root
	}

	b.runCtx = ctx
	b.gctx = gctx
	b.events = en.events
	b.state = StateRunning
	b.Prepend(start)

	en.run(ctx, w)
	return nil
}

// Resume continues a paused walker with its queue intact.
func (en *Engine) Resume(ctx context.Context, w Walker) error {
	b := w.base()
	if b.State() != StatePaused {
		return pkgerrors.NewInternal("walker is not paused", nil)
	}
	b.runCtx = ctx
	b.state = StateRunning
	en.run(ctx, w)
	return nil
}

// run is the drain loop. It yields between queue entries, so
// cancellation is observed at entity boundaries.
func (en *Engine) run(ctx context.Context, w Walker) {
	b := w.base()
	maxDepth := b.maxDepth
	if maxDepth == 0 {
		maxDepth = en.cfg.DefaultMaxDepth
	}
	maxVisits := b.maxVisits
	if maxVisits == 0 {
		maxVisits = en.cfg.DefaultMaxVisits
	}

	for b.state == StateRunning {
		if err := ctx.Err(); err != nil {
			b.response.Set("cancelled", true)
			b.recordError(pkgerrors.NewInternal("traversal cancelled", err))
			b.state = StateDisengaged
			break
		}
		if len(b.queue) == 0 {
			b.state = StateDisengaged
			break
		}
		entry := b.queue[0]
		b.queue = b.queue[1:]
		id := entry.entity.GetID()

		if b.visitedOn && b.visited[id] {
			continue
		}
		if maxVisits > 0 && b.totalVisits >= maxVisits {
			b.recordError(pkgerrors.NewWalkerLimit(fmt.Sprintf("max total visits of %d exceeded", maxVisits)))
			b.state = StateDisengaged
			break
		}
		if maxDepth > 0 && entry.depth > maxDepth {
			b.recordError(pkgerrors.NewWalkerLimit(fmt.Sprintf("max depth of %d exceeded", maxDepth)))
			b.state = StateDisengaged
			break
		}

		b.totalVisits++
		if b.trailOn {
			b.trail = append(b.trail, id)
		}
		if b.visitedOn {
			b.visited[id] = true
		}
		b.current = entry.entity
		b.depth = entry.depth
		b.skipRequested = false

		en.dispatch(ctx, w, entry.entity)
	}

	if b.state == StatePaused {
		return
	}
	en.finish(ctx, w)
}

// dispatch fires the resolved hooks for one entity, honoring skip,
// disengage and error outcomes between hooks.
func (en *Engine) dispatch(ctx context.Context, w Walker, here graph.Entity) {
	b := w.base()
	for _, hook := range resolve(w, here) {
		err := hook(ctx, w, here)
		if err != nil {
			b.recordError(err)
			if isFatal(err) {
				b.disengageRequested = true
			} else {
				// Recoverable: this entity is abandoned, the
				// traversal continues.
				break
			}
		}
		if b.disengageRequested {
			b.disengageRequested = false
			b.state = StateDisengaged
			return
		}
		if b.skipRequested {
			b.skipRequested = false
			return
		}
	}
}

// finish runs exit hooks and seals the response. Exit hooks run even
// after cancellation, caps or disengagement; a cancelled request
// context must not abort finalization, so they get a detached context.
func (en *Engine) finish(ctx context.Context, w Walker) {
	b := w.base()
	b.state = StateDisengaged
	b.current = nil

	exitCtx := ctx
	if ctx.Err() != nil {
		exitCtx = context.WithoutCancel(ctx)
	}
	for _, hook := range exitHooks(w) {
		if err := hook(exitCtx, w); err != nil {
			b.recordError(err)
			en.log.Warn("walker exit hook failed",
				zap.String("walker", InfoOf(w).Name),
				zap.Error(err))
		}
	}
	if b.trailOn {
		b.response.Trail = append([]string(nil), b.trail...)
	}
}

func (b *Base) recordError(err error) {
	b.response.Errors = append(b.response.Errors, ResponseError{
		Code:    codeOf(err),
		Message: err.Error(),
	})
}

func codeOf(err error) string {
	var app *pkgerrors.AppError
	if errors.As(err, &app) {
		return app.ErrorCode()
	}
	return "INTERNAL_ERROR"
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks a hook error as non-recoverable: the engine disengages
// the walker instead of moving on to the next queue entry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
