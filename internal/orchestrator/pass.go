package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arkilian/tabledeck/internal/engine"
	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Progress percentages reported with status updates.
const (
	progressAnalyzing       = 0
	progressGenerating      = 10
	progressSlideProcessing = 50
	progressUpdating        = 90
	progressDone            = 100
)

// run is the loop goroutine. It processes one batch at a time, so at most
// one pass is in flight and events of different passes never interleave.
func (o *Orchestrator) run(ctx context.Context) {
	defer func() {
		o.closing.Store(true)
		o.queue.close()
		close(o.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for ctx.Err() == nil {
			b := o.queue.take()
			if b.empty() {
				break
			}
			if len(b.analyze) > 0 {
				o.runAnalyze(ctx, b.analyze)
			} else {
				o.runUpdate(ctx, b)
			}
		}
	}
}

func (o *Orchestrator) runAnalyze(ctx context.Context, waiters []waiter) {
	replyAll := func(r passResult) {
		for _, w := range waiters {
			w.reply(r)
		}
	}
	if st := o.Status(); st != types.StatusInitialized {
		replyAll(passResult{err: o.rejectStatus(st, "analyze")})
		return
	}

	if err := o.transition(ctx, types.StatusAnalyzing, "Analyzing dataset", progressAnalyzing); err != nil {
		replyAll(passResult{err: err})
		return
	}

	slides, err := o.opts.Planner.Plan(ctx, o.session.Dataset)
	if ctx.Err() != nil {
		replyAll(passResult{err: errors.ErrProjectClosed})
		return
	}
	if err == nil {
		err = checkPlan(slides)
	}
	if err != nil {
		perr := errors.NewPlanningError(fmt.Sprintf("planning project %s", o.session.ProjectID), err)
		o.fail(ctx, perr, "", 0)
		replyAll(passResult{err: perr})
		return
	}

	slides = types.CloneSlides(slides)
	o.mu.Lock()
	o.slides = slides
	o.mu.Unlock()
	o.record(ctx, "slides", func(ctx context.Context, r Recorder) error {
		return r.SaveSlides(ctx, o.session.ProjectID, types.CloneSlides(slides))
	})

	if err := o.transition(ctx, types.StatusGenerating, fmt.Sprintf("Generating %d slides", len(slides)), progressGenerating); err != nil {
		replyAll(passResult{err: err})
		return
	}
	res := o.runPass(ctx, PassInitial, nil)
	res.slides = types.CloneSlides(slides)
	if res.err != nil {
		res.slides = nil
	}
	replyAll(res)
}

// runUpdate applies a batch of queued edits and regenerate requests in one
// full-deck pass.
func (o *Orchestrator) runUpdate(ctx context.Context, b batch) {
	all := b.waiters()
	replyAll := func(r passResult) {
		for _, w := range all {
			w.reply(r)
		}
	}
	if st := o.Status(); st != types.StatusWaitingForUser {
		replyAll(passResult{err: o.rejectStatus(st, "edit")})
		return
	}

	// Edits to unknown slides are rejected individually; the rest proceed.
	o.mu.RLock()
	slides := types.CloneSlides(o.slides)
	o.mu.RUnlock()
	var applied []int
	for _, n := range b.editedSlides() {
		pe := b.edits[n]
		i := indexOfSlide(slides, n)
		if i < 0 {
			for _, w := range pe.waiters {
				w.reply(passResult{err: unknownSlide(n)})
			}
			continue
		}
		slides[i].Rows = pe.rows
		applied = append(applied, n)
	}
	if len(applied) == 0 && len(b.regen) == 0 {
		return
	}

	kind := PassEdit
	msg := fmt.Sprintf("Processing edits to slides %v", applied)
	if len(applied) == 0 {
		kind = PassRegenerate
		msg = "Regenerating all slides"
	}
	if err := o.transition(ctx, types.StatusSlideProcessing, msg, progressSlideProcessing); err != nil {
		replyAll(passResult{err: err})
		return
	}

	o.mu.Lock()
	o.slides = slides
	o.mu.Unlock()
	o.record(ctx, "slides", func(ctx context.Context, r Recorder) error {
		return r.SaveSlides(ctx, o.session.ProjectID, types.CloneSlides(slides))
	})

	res := o.runPass(ctx, kind, applied)
	replyAll(res)
}

// runPass compiles every slide in order, renders the full deck and publishes
// it. Any slide failure fails the project and publishes nothing.
func (o *Orchestrator) runPass(ctx context.Context, kind PassKind, edited []int) passResult {
	start := o.opts.Now()
	passID := uuid.NewString()
	o.mu.RLock()
	slides := o.slides
	o.mu.RUnlock()

	report := PassReport{
		ProjectID:    o.session.ProjectID,
		PassID:       passID,
		Kind:         kind,
		Slides:       len(slides),
		EditedSlides: edited,
	}
	defer func() {
		report.Duration = o.opts.Now().Sub(start)
		if o.opts.Observer != nil {
			o.opts.Observer.ObservePass(report)
		}
	}()

	ctx, span := o.tracer.Start(ctx, "orchestrator.pass")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", o.session.ProjectID),
		attribute.String("pass.id", passID),
		attribute.String("pass.kind", string(kind)),
		attribute.Int("pass.slides", len(slides)),
	)

	tables := make([]types.SlideTable, 0, len(slides))
	for i, slide := range slides {
		if ctx.Err() != nil {
			report.Abandoned = true
			report.Err = errors.ErrProjectClosed
			return passResult{err: errors.ErrProjectClosed}
		}

		table, err := o.compileSlide(ctx, slide)
		if err != nil {
			cerr := errors.NewSlideCompilationError(slide.Number, err)
			span.RecordError(cerr)
			span.SetStatus(codes.Error, "slide compilation failed")
			o.record(ctx, "slide status", func(ctx context.Context, r Recorder) error {
				return r.SaveSlideStatus(ctx, o.session.ProjectID, slide.Number, types.SlideFailed, err.Error())
			})
			o.fail(ctx, cerr, passID, slide.Number)
			report.FailedSlide = slide.Number
			report.Err = cerr
			report.CompileDuration = o.opts.Now().Sub(start)
			return passResult{err: cerr}
		}
		tables = append(tables, types.SlideTable{SlideNumber: slide.Number, Title: slide.Title, Table: table})

		o.record(ctx, "slide status", func(ctx context.Context, r Recorder) error {
			return r.SaveSlideStatus(ctx, o.session.ProjectID, slide.Number, types.SlideCompiled, "")
		})
		o.emit(types.Event{
			PassID:      passID,
			Type:        types.EventSlideCompiled,
			Status:      o.Status(),
			SlideNumber: slide.Number,
			SlideTitle:  slide.Title,
			Progress:    slideProgress(kind, i, len(slides)),
			Message:     fmt.Sprintf("Compiled slide %d of %d", i+1, len(slides)),
		})
	}
	report.CompileDuration = o.opts.Now().Sub(start)

	if kind != PassInitial {
		if err := o.transition(ctx, types.StatusUpdating, "Rendering presentation", progressUpdating); err != nil {
			report.Err = err
			return passResult{err: err}
		}
	}
	if ctx.Err() != nil {
		report.Abandoned = true
		report.Err = errors.ErrProjectClosed
		return passResult{err: errors.ErrProjectClosed}
	}

	renderStart := o.opts.Now()
	artifact, err := o.opts.Renderer.Render(ctx, o.session.ProjectID, tables, o.session.Template)
	report.RenderDuration = o.opts.Now().Sub(renderStart)
	if ctx.Err() != nil {
		report.Abandoned = true
		report.Err = errors.ErrProjectClosed
		return passResult{err: errors.ErrProjectClosed}
	}
	if err != nil {
		rerr := errors.NewRenderError(fmt.Sprintf("rendering project %s", o.session.ProjectID), err)
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "render failed")
		o.fail(ctx, rerr, passID, 0)
		report.Err = rerr
		return passResult{err: rerr}
	}

	pub := &types.Publication{
		PassID:      passID,
		Tables:      tables,
		Artifact:    artifact,
		PublishedAt: o.opts.Now(),
	}
	o.mu.Lock()
	o.published = pub
	o.mu.Unlock()
	o.record(ctx, "publication", func(ctx context.Context, r Recorder) error {
		return r.SavePublication(ctx, o.session.ProjectID, clonePublication(pub))
	})
	o.emit(types.Event{
		PassID:   passID,
		Type:     types.EventPublished,
		Status:   o.Status(),
		Progress: progressUpdating,
		Message:  "Presentation ready",
		Artifact: &artifact,
	})

	if err := o.transition(ctx, types.StatusWaitingForUser, "Ready for edits", progressDone); err != nil {
		report.Err = err
		return passResult{err: err}
	}
	for _, n := range edited {
		i := indexOfSlide(slides, n)
		o.emit(types.Event{
			PassID:      passID,
			Type:        types.EventSlideUpdateComplete,
			Status:      types.StatusWaitingForUser,
			SlideNumber: n,
			SlideTitle:  slides[i].Title,
			Progress:    progressDone,
			Message:     fmt.Sprintf("Slide %d updated", n),
		})
	}

	report.Succeeded = true
	return passResult{tables: append([]types.SlideTable(nil), tables...)}
}

func (o *Orchestrator) compileSlide(ctx context.Context, slide types.SlideSpec) (*types.TableModel, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.compile_slide")
	defer span.End()
	span.SetAttributes(
		attribute.Int("slide.number", slide.Number),
		attribute.Int("slide.rows", len(slide.Rows)),
	)

	table, err := engine.Compile(o.session.Dataset, slide.Rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return table, nil
}

// slideProgress spreads slide events over 10-80 for the initial pass and
// 50-90 for update passes.
func slideProgress(kind PassKind, i, n int) int {
	if n == 0 {
		return progressUpdating
	}
	if kind == PassInitial {
		return progressGenerating + 70*(i+1)/n
	}
	return progressSlideProcessing + 40*(i+1)/n
}

// checkPlan rejects planner output that cannot be addressed by slide number.
func checkPlan(slides []types.SlideSpec) error {
	seen := make(map[int]bool, len(slides))
	for _, s := range slides {
		if seen[s.Number] {
			return fmt.Errorf("planner returned slide %d twice", s.Number)
		}
		seen[s.Number] = true
	}
	return nil
}

// record runs a recorder write, logging failures.
func (o *Orchestrator) record(ctx context.Context, what string, fn func(context.Context, Recorder) error) {
	if o.opts.Recorder == nil || o.closing.Load() {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := fn(wctx, o.opts.Recorder); err != nil {
		log.Printf("[WARN] orchestrator: project %s: failed to save %s: %v", o.session.ProjectID, what, err)
	}
}
