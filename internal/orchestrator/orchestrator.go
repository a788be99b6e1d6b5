// Package orchestrator sequences table compilation across the slides of one
// project. Each Orchestrator owns a single loop goroutine that is the only
// writer of the project's status, slide list and published output; callers
// submit work through a queue and read state through copies.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/arkilian/tabledeck/pkg/types"
)

// Planner produces the initial slide list for a dataset.
type Planner interface {
	Plan(ctx context.Context, ds *types.Dataset) ([]types.SlideSpec, error)
}

// Renderer turns a complete, ordered set of slide tables into an artifact.
// It is invoked once per successful pass with the full deck.
type Renderer interface {
	Render(ctx context.Context, projectID string, tables []types.SlideTable, template string) (types.Artifact, error)
}

// Notifier delivers progress events for a project. Delivery may be at least
// once; subscribers tolerate duplicates.
type Notifier interface {
	Notify(projectID string, ev types.Event)
}

// Recorder persists project state. Failures are logged and never fail a pass.
type Recorder interface {
	SaveStatus(ctx context.Context, projectID string, status types.Status, message string) error
	SaveSlides(ctx context.Context, projectID string, slides []types.SlideSpec) error
	SaveSlideStatus(ctx context.Context, projectID string, slideNumber int, status types.SlideStatus, message string) error
	SavePublication(ctx context.Context, projectID string, pub *types.Publication) error
}

// Observer receives a report after every pass, successful or not.
type Observer interface {
	ObservePass(report PassReport)
}

// PassKind identifies why a pass ran.
type PassKind string

const (
	PassInitial    PassKind = "initial"
	PassEdit       PassKind = "edit"
	PassRegenerate PassKind = "regenerate"
)

// PassReport summarises one compilation pass.
type PassReport struct {
	ProjectID       string
	PassID          string
	Kind            PassKind
	Slides          int
	EditedSlides    []int
	CompileDuration time.Duration
	RenderDuration  time.Duration
	Duration        time.Duration
	Succeeded       bool
	Abandoned       bool
	FailedSlide     int
	Err             error
}

// Session is the immutable part of a project: its identity, dataset and
// optional template reference.
type Session struct {
	ProjectID string
	Name      string
	Dataset   *types.Dataset
	Template  string
}

// Options configures an Orchestrator. Planner and Renderer are required.
type Options struct {
	Planner  Planner
	Renderer Renderer
	Notifier Notifier
	Recorder Recorder
	Observer Observer

	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time copy of a project's state.
type Snapshot struct {
	ProjectID string             `json:"project_id"`
	Name      string             `json:"name"`
	Status    types.Status       `json:"status"`
	Slides    []types.SlideSpec  `json:"slides"`
	Published *types.Publication `json:"published,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	LastSeq   uint64             `json:"last_seq"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Orchestrator drives the generation state machine of one project.
type Orchestrator struct {
	session Session
	opts    Options
	tracer  trace.Tracer

	// state is written only by the loop goroutine
	mu        sync.RWMutex
	status    types.Status
	slides    []types.SlideSpec
	published *types.Publication
	lastErr   error
	updatedAt time.Time

	seq     atomic.Uint64
	closing atomic.Bool

	queue *queue
	wake  chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an orchestrator in INITIALIZED state. Start must be called
// before any work is processed.
func New(session Session, opts Options) (*Orchestrator, error) {
	if session.ProjectID == "" {
		return nil, fmt.Errorf("orchestrator: project id is required")
	}
	if session.Dataset == nil || session.Dataset.Schema == nil {
		return nil, fmt.Errorf("orchestrator: project %s has no dataset", session.ProjectID)
	}
	if opts.Planner == nil || opts.Renderer == nil {
		return nil, fmt.Errorf("orchestrator: planner and renderer are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/arkilian/tabledeck/internal/orchestrator")
	}

	return &Orchestrator{
		session:   session,
		opts:      opts,
		tracer:    tracer,
		status:    types.StatusInitialized,
		updatedAt: opts.Now(),
		queue:     newQueue(),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Start launches the loop goroutine. It runs until ctx is cancelled or Close
// is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: project %s is already running", o.session.ProjectID)
	}
	if o.closing.Load() {
		return fmt.Errorf("orchestrator: project %s is closed", o.session.ProjectID)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.done = make(chan struct{})

	go o.run(ctx)
	return nil
}

// Close tears the project down. An in-flight pass is abandoned after its
// current slide, nothing further is published or notified, and every
// waiting caller receives ErrProjectClosed.
func (o *Orchestrator) Close() error {
	o.closing.Store(true)

	o.runMu.Lock()
	running, cancel, done := o.running, o.cancel, o.done
	o.running = false
	o.runMu.Unlock()

	if running {
		cancel()
		<-done
	}
	o.queue.close()
	return nil
}

// ProjectID returns the project identifier.
func (o *Orchestrator) ProjectID() string {
	return o.session.ProjectID
}

// Session returns the immutable project session.
func (o *Orchestrator) Session() Session {
	return o.session
}

// Status returns the current project status.
func (o *Orchestrator) Status() types.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Slides returns a copy of the current slide list.
func (o *Orchestrator) Slides() []types.SlideSpec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return types.CloneSlides(o.slides)
}

// Published returns the last successfully published output, or nil.
func (o *Orchestrator) Published() *types.Publication {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return clonePublication(o.published)
}

// Snapshot returns a copy of the project state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Snapshot{
		ProjectID: o.session.ProjectID,
		Name:      o.session.Name,
		Status:    o.status,
		Slides:    types.CloneSlides(o.slides),
		Published: clonePublication(o.published),
		LastSeq:   o.seq.Load(),
		UpdatedAt: o.updatedAt,
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

// clonePublication copies the publication header and table slice. Table
// models are never mutated after publication, so they are shared.
func clonePublication(p *types.Publication) *types.Publication {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tables = append([]types.SlideTable(nil), p.Tables...)
	return &cp
}
