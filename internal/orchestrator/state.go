package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// transitions lists the legal successors of each status. FAILED is reachable
// from every non-terminal status and is handled separately.
var transitions = map[types.Status][]types.Status{
	types.StatusInitialized:     {types.StatusAnalyzing},
	types.StatusAnalyzing:       {types.StatusGenerating},
	types.StatusGenerating:      {types.StatusWaitingForUser},
	types.StatusWaitingForUser:  {types.StatusSlideProcessing},
	types.StatusSlideProcessing: {types.StatusUpdating},
	types.StatusUpdating:        {types.StatusWaitingForUser},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to types.Status) bool {
	if to == types.StatusFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the project to status and emits a status update. An
// illegal transition is an internal error and fails the project.
func (o *Orchestrator) transition(ctx context.Context, to types.Status, message string, progress int) error {
	o.mu.Lock()
	from := o.status
	if !CanTransition(from, to) {
		o.mu.Unlock()
		err := errors.Wrap(errors.ErrCategoryProject, errors.CodeInvalidTransition,
			fmt.Sprintf("illegal transition %s -> %s", from, to), nil)
		log.Printf("orchestrator: project %s: %v", o.session.ProjectID, err)
		o.fail(ctx, errors.NewInternalError("state machine violation", err), "", 0)
		return err
	}
	o.status = to
	o.updatedAt = o.opts.Now()
	o.mu.Unlock()

	o.record(ctx, "status", func(ctx context.Context, r Recorder) error {
		return r.SaveStatus(ctx, o.session.ProjectID, to, message)
	})
	o.emit(types.Event{
		Type:     types.EventStatusUpdate,
		Status:   to,
		Progress: progress,
		Message:  message,
	})
	return nil
}

// fail moves the project to FAILED, keeps the last published output and
// emits a single error event naming the slide and field involved.
func (o *Orchestrator) fail(ctx context.Context, cause error, passID string, slide int) {
	o.mu.Lock()
	if o.status.Terminal() {
		o.mu.Unlock()
		return
	}
	o.status = types.StatusFailed
	o.lastErr = cause
	o.updatedAt = o.opts.Now()
	o.mu.Unlock()

	log.Printf("orchestrator: project %s failed: %v", o.session.ProjectID, cause)
	o.record(ctx, "status", func(ctx context.Context, r Recorder) error {
		return r.SaveStatus(ctx, o.session.ProjectID, types.StatusFailed, cause.Error())
	})
	o.emit(types.Event{
		PassID:      passID,
		Type:        types.EventError,
		Status:      types.StatusFailed,
		SlideNumber: slide,
		Field:       errors.Detail(cause, errors.DetailField),
		Code:        errors.GetCode(cause),
		Message:     failureMessage(cause, slide),
	})
}

func failureMessage(cause error, slide int) string {
	field := errors.Detail(cause, errors.DetailField)
	switch {
	case slide > 0 && field != "":
		return fmt.Sprintf("Slide %d failed on field %q: %v", slide, field, cause)
	case slide > 0:
		return fmt.Sprintf("Slide %d failed: %v", slide, cause)
	}
	return cause.Error()
}

// emit stamps ev with the next sequence number and hands it to the notifier.
// Nothing is emitted once the project is closing.
func (o *Orchestrator) emit(ev types.Event) {
	if o.closing.Load() || o.opts.Notifier == nil {
		return
	}
	ev.Seq = o.seq.Add(1)
	ev.ProjectID = o.session.ProjectID
	ev.Timestamp = o.opts.Now()
	o.opts.Notifier.Notify(o.session.ProjectID, ev)
}
