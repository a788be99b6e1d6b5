package orchestrator

import (
	"context"
	"fmt"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Analyze asks the planner for the initial slide list and runs the first
// generation pass over it. It is only valid in INITIALIZED.
func (o *Orchestrator) Analyze(ctx context.Context) ([]types.SlideSpec, error) {
	if st := o.Status(); st != types.StatusInitialized {
		return nil, o.rejectStatus(st, "analyze")
	}
	w := newWaiter()
	if !o.queue.pushAnalyze(w) {
		return nil, errors.ErrProjectClosed
	}
	o.signal()
	r, err := o.await(ctx, w)
	if err != nil {
		return nil, err
	}
	return r.slides, r.err
}

// Pending is a queued edit or regenerate request. Its place in the queue is
// fixed when it is submitted; Wait only collects the outcome.
type Pending struct {
	o *Orchestrator
	w waiter
}

// Wait blocks until the pass carrying the request finishes and returns its
// tables. A cancelled caller stops waiting but the request still runs.
func (p *Pending) Wait(ctx context.Context) ([]types.SlideTable, error) {
	r, err := p.o.await(ctx, p.w)
	if err != nil {
		return nil, err
	}
	return r.tables, r.err
}

// CompileAll queues a full regeneration pass without edits and returns its
// tables.
func (o *Orchestrator) CompileAll(ctx context.Context) ([]types.SlideTable, error) {
	p, err := o.SubmitRegenerate()
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// SubmitRegenerate queues a full regeneration pass without waiting for it.
func (o *Orchestrator) SubmitRegenerate() (*Pending, error) {
	if err := o.acceptsEdits(); err != nil {
		return nil, err
	}
	w := newWaiter()
	if !o.queue.pushRegenerate(w) {
		return nil, errors.ErrProjectClosed
	}
	o.signal()
	return &Pending{o: o, w: w}, nil
}

// ApplyEdit replaces the rows of one slide and recompiles the whole deck. An
// edit arriving while a pass is in flight is queued; queued edits to the
// same slide coalesce and the latest rows win.
func (o *Orchestrator) ApplyEdit(ctx context.Context, slideNumber int, rows []types.RowSpec) ([]types.SlideTable, error) {
	p, err := o.SubmitEdit(slideNumber, rows)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// SubmitEdit queues an edit without waiting for its pass. Edits submitted
// one after another from the same goroutine keep their order, so the last
// one submitted for a slide wins.
func (o *Orchestrator) SubmitEdit(slideNumber int, rows []types.RowSpec) (*Pending, error) {
	if err := o.acceptsEdits(); err != nil {
		return nil, err
	}
	if slides := o.Slides(); slides != nil && indexOfSlide(slides, slideNumber) < 0 {
		return nil, unknownSlide(slideNumber)
	}
	w := newWaiter()
	if !o.queue.pushEdit(slideNumber, types.CloneRows(rows), w) {
		return nil, errors.ErrProjectClosed
	}
	o.signal()
	return &Pending{o: o, w: w}, nil
}

func (o *Orchestrator) acceptsEdits() error {
	if o.closing.Load() {
		return errors.ErrProjectClosed
	}
	switch st := o.Status(); st {
	case types.StatusInitialized:
		return errors.NewProjectError(errors.CodeInvalidTransition,
			fmt.Sprintf("project %s has not been analyzed", o.session.ProjectID))
	case types.StatusFailed:
		return o.rejectStatus(st, "edit")
	}
	return nil
}

func (o *Orchestrator) rejectStatus(st types.Status, op string) error {
	if o.closing.Load() {
		return errors.ErrProjectClosed
	}
	if st == types.StatusFailed {
		o.mu.RLock()
		cause := o.lastErr
		o.mu.RUnlock()
		return errors.Wrap(errors.ErrCategoryProject, errors.CodeProjectFailed,
			fmt.Sprintf("project %s has failed", o.session.ProjectID), cause)
	}
	return errors.NewProjectError(errors.CodeInvalidTransition,
		fmt.Sprintf("cannot %s project %s in status %s", op, o.session.ProjectID, st))
}

// await blocks until the loop answers w. A cancelled caller stops waiting
// but its request still runs.
func (o *Orchestrator) await(ctx context.Context, w waiter) (passResult, error) {
	select {
	case r := <-w:
		return r, nil
	case <-ctx.Done():
		return passResult{}, ctx.Err()
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func indexOfSlide(slides []types.SlideSpec, number int) int {
	for i, s := range slides {
		if s.Number == number {
			return i
		}
	}
	return -1
}

func unknownSlide(number int) error {
	return errors.NewProjectError(errors.CodeUnknownSlide, fmt.Sprintf("slide %d does not exist", number)).
		WithDetails(map[string]interface{}{errors.DetailSlide: number})
}
