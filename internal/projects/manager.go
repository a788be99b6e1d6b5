// Package projects is the project registry. It creates generation sessions
// from a dataset and owns one orchestrator per live project.
package projects

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/tabledeck/internal/catalog"
	"github.com/arkilian/tabledeck/internal/dataset"
	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/orchestrator"
	"github.com/arkilian/tabledeck/internal/planner"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Store is the durable project record.
type Store interface {
	orchestrator.Recorder
	CreateProject(ctx context.Context, p *catalog.ProjectRecord) error
	GetProject(ctx context.Context, projectID string) (*catalog.ProjectRecord, error)
	ListProjects(ctx context.Context) ([]*catalog.ProjectRecord, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// Purger removes a project's stored artifacts.
type Purger interface {
	Purge(ctx context.Context, projectID string) (int, error)
}

// Forgetter drops per-project state held outside the registry.
type Forgetter interface {
	Forget(projectID string)
}

// Options configures a Manager.
type Options struct {
	Store    Store
	Renderer orchestrator.Renderer
	Notifier orchestrator.Notifier
	Observer orchestrator.Observer

	// Planner plans projects created without a plan file. Defaults to
	// planner.Overview.
	Planner orchestrator.Planner

	// PlanDir resolves plan files given by bare name.
	PlanDir string

	// AutoAnalyze starts analysis when a project is created.
	AutoAnalyze bool
}

// CreateRequest describes a new project.
type CreateRequest struct {
	Name       string `json:"name"`
	DataPath   string `json:"data_path"`
	SchemaPath string `json:"schema_path,omitempty"`
	PlanPath   string `json:"plan_path,omitempty"`
	Template   string `json:"template,omitempty"`
	Auto       bool   `json:"auto,omitempty"`
}

// Info is the summary of a project returned by listings.
type Info struct {
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	Template  string          `json:"template,omitempty"`
	Status    types.Status    `json:"status"`
	Slides    int             `json:"slides"`
	LastError string          `json:"last_error,omitempty"`
	Artifact  *types.Artifact `json:"artifact,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Project is a live project.
type Project struct {
	Record *catalog.ProjectRecord
	Orch   *orchestrator.Orchestrator
}

// Info summarises the project's current state.
func (p *Project) Info() Info {
	snap := p.Orch.Snapshot()
	info := Info{
		ProjectID: p.Record.ProjectID,
		Name:      p.Record.Name,
		Template:  p.Record.Template,
		Status:    snap.Status,
		Slides:    len(snap.Slides),
		LastError: snap.LastError,
		CreatedAt: p.Record.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Published != nil {
		a := snap.Published.Artifact
		info.Artifact = &a
	}
	return info
}

// Manager owns the live projects.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	projects map[string]*Project

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty registry. Orchestrator loops run until Close.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Renderer == nil {
		return nil, fmt.Errorf("projects: store and renderer are required")
	}
	if opts.Planner == nil {
		opts.Planner = planner.Overview{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		projects: make(map[string]*Project),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Create loads the dataset, records the project and starts its orchestrator.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Project, error) {
	if strings.TrimSpace(req.DataPath) == "" {
		return nil, deckerrors.NewValidationError(deckerrors.CodeInvalidDataset, "data_path is required")
	}
	if req.Name == "" {
		req.Name = strings.TrimSuffix(filepath.Base(req.DataPath), filepath.Ext(req.DataPath))
	}
	planPath, err := m.resolvePlan(req.PlanPath)
	if err != nil {
		return nil, err
	}

	rec := &catalog.ProjectRecord{
		ProjectID:  uuid.NewString(),
		Name:       req.Name,
		DataPath:   req.DataPath,
		SchemaPath: req.SchemaPath,
		PlanPath:   planPath,
		Template:   req.Template,
		Status:     types.StatusInitialized,
	}
	ds, err := loadDataset(rec)
	if err != nil {
		return nil, err
	}
	if err := m.opts.Store.CreateProject(ctx, rec); err != nil {
		return nil, err
	}

	p, err := m.start(rec, ds)
	if err != nil {
		if derr := m.opts.Store.DeleteProject(ctx, rec.ProjectID); derr != nil {
			log.Printf("[WARN] projects: failed to remove project %s after start failure: %v", rec.ProjectID, derr)
		}
		return nil, err
	}
	log.Printf("projects: created %s (%s, %d records)", rec.ProjectID, rec.Name, ds.Len())

	if req.Auto || m.opts.AutoAnalyze {
		m.StartAnalysis(rec.ProjectID)
	}
	return p, nil
}

// Restore re-registers the projects recorded in the store. In-memory state
// does not survive a restart, so restored projects start over in
// INITIALIZED and are re-analyzed on demand.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	recs, err := m.opts.Store.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range recs {
		m.mu.RLock()
		_, live := m.projects[rec.ProjectID]
		m.mu.RUnlock()
		if live {
			continue
		}

		ds, err := loadDataset(rec)
		if err != nil {
			log.Printf("[WARN] projects: skipping %s: %v", rec.ProjectID, err)
			continue
		}
		if _, err := m.start(rec, ds); err != nil {
			log.Printf("[WARN] projects: skipping %s: %v", rec.ProjectID, err)
			continue
		}
		if rec.Status != types.StatusInitialized {
			if err := m.opts.Store.SaveStatus(ctx, rec.ProjectID, types.StatusInitialized, "restored"); err != nil {
				log.Printf("[WARN] projects: failed to reset status of %s: %v", rec.ProjectID, err)
			}
		}
		restored++
	}
	return restored, nil
}

func (m *Manager) start(rec *catalog.ProjectRecord, ds *types.Dataset) (*Project, error) {
	var pl orchestrator.Planner = m.opts.Planner
	if rec.PlanPath != "" {
		pl = planner.File{Path: rec.PlanPath}
	}

	orch, err := orchestrator.New(orchestrator.Session{
		ProjectID: rec.ProjectID,
		Name:      rec.Name,
		Dataset:   ds,
		Template:  rec.Template,
	}, orchestrator.Options{
		Planner:  pl,
		Renderer: m.opts.Renderer,
		Notifier: m.opts.Notifier,
		Recorder: m.opts.Store,
		Observer: m.opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	if err := orch.Start(m.ctx); err != nil {
		return nil, err
	}

	p := &Project{Record: rec, Orch: orch}
	m.mu.Lock()
	m.projects[rec.ProjectID] = p
	m.mu.Unlock()
	return p, nil
}

// resolvePlan maps a plan reference to a file. With PlanDir set, bare names
// are looked up only there, with a .yaml, .yml or .json extension.
func (m *Manager) resolvePlan(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	candidates := []string{ref}
	if m.opts.PlanDir != "" && !filepath.IsAbs(ref) && !strings.ContainsRune(ref, filepath.Separator) {
		// Bare names never resolve against the working directory.
		candidates = candidates[:0]
		for _, ext := range []string{"", ".yaml", ".yml", ".json"} {
			candidates = append(candidates, filepath.Join(m.opts.PlanDir, ref+ext))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", deckerrors.NewValidationError(deckerrors.CodeInvalidRowSpec,
		fmt.Sprintf("plan %q not found", ref))
}

func loadDataset(rec *catalog.ProjectRecord) (*types.Dataset, error) {
	ds, err := dataset.Load(rec.DataPath, rec.SchemaPath)
	if err != nil {
		if deckerrors.GetCategory(err) != "" {
			return nil, err
		}
		return nil, deckerrors.Wrap(deckerrors.ErrCategoryValidation, deckerrors.CodeInvalidDataset,
			fmt.Sprintf("loading dataset %s", rec.DataPath), err)
	}
	return ds, nil
}

// Get returns a live project.
func (m *Manager) Get(projectID string) (*Project, error) {
	m.mu.RLock()
	p, ok := m.projects[projectID]
	m.mu.RUnlock()
	if !ok {
		return nil, deckerrors.NewProjectError(deckerrors.CodeProjectNotFound,
			fmt.Sprintf("project %s not found", projectID))
	}
	return p, nil
}

// List returns every live project, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out
}

// Delete tears a project down and removes its records and artifacts.
func (m *Manager) Delete(ctx context.Context, projectID string) error {
	m.mu.Lock()
	p, ok := m.projects[projectID]
	delete(m.projects, projectID)
	m.mu.Unlock()
	if !ok {
		return deckerrors.NewProjectError(deckerrors.CodeProjectNotFound,
			fmt.Sprintf("project %s not found", projectID))
	}

	if err := p.Orch.Close(); err != nil {
		log.Printf("[WARN] projects: close %s: %v", projectID, err)
	}
	if err := m.opts.Store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if purger, ok := m.opts.Renderer.(Purger); ok {
		if n, err := purger.Purge(ctx, projectID); err != nil {
			log.Printf("[WARN] projects: purge artifacts of %s: %v", projectID, err)
		} else if n > 0 {
			log.Printf("projects: purged %d decks of %s", n, projectID)
		}
	}
	if f, ok := m.opts.Observer.(Forgetter); ok {
		f.Forget(projectID)
	}
	return nil
}

// Analyze runs the initial analysis of a project and waits for the first
// publication.
func (m *Manager) Analyze(ctx context.Context, projectID string) ([]types.SlideSpec, error) {
	p, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Orch.Analyze(ctx)
}

// StartAnalysis starts the initial analysis in the background when the
// project is still INITIALIZED. It reports whether analysis was started.
func (m *Manager) StartAnalysis(projectID string) bool {
	p, err := m.Get(projectID)
	if err != nil || p.Orch.Status() != types.StatusInitialized {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := p.Orch.Analyze(m.ctx); err != nil {
			switch deckerrors.GetCode(err) {
			case deckerrors.CodeInvalidTransition, deckerrors.CodeProjectClosed:
				// another caller started it, or the project went away
			default:
				log.Printf("[WARN] projects: analysis of %s failed: %v", projectID, err)
			}
		}
	}()
	return true
}

// ApplyEdit replaces one slide's rows and waits for the recompiled deck.
func (m *Manager) ApplyEdit(ctx context.Context, projectID string, slideNumber int, rows []types.RowSpec) ([]types.SlideTable, error) {
	p, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Orch.ApplyEdit(ctx, slideNumber, rows)
}

// CompileAll recompiles every slide of a project.
func (m *Manager) CompileAll(ctx context.Context, projectID string) ([]types.SlideTable, error) {
	p, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Orch.CompileAll(ctx)
}

// SubmitEdit queues an edit of one slide without waiting for its pass.
func (m *Manager) SubmitEdit(projectID string, slideNumber int, rows []types.RowSpec) (*orchestrator.Pending, error) {
	p, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Orch.SubmitEdit(slideNumber, rows)
}

// SubmitRegenerate queues a full recompilation without waiting for it.
func (m *Manager) SubmitRegenerate(projectID string) (*orchestrator.Pending, error) {
	p, err := m.Get(projectID)
	if err != nil {
		return nil, err
	}
	return p.Orch.SubmitRegenerate()
}

// Close stops every orchestrator. Pending requests receive ErrProjectClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	live := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		live = append(live, p)
	}
	m.projects = make(map[string]*Project)
	m.mu.Unlock()

	for _, p := range live {
		if err := p.Orch.Close(); err != nil {
			log.Printf("[WARN] projects: close %s: %v", p.Record.ProjectID, err)
		}
	}
	m.cancel()
	m.wg.Wait()
	return nil
}
