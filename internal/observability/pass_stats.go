// Package observability tracks per-project pass statistics: how often decks
// are recompiled, how long passes take and which slides users edit most.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/arkilian/tabledeck/internal/orchestrator"
)

// PassStats aggregates orchestrator pass reports. It implements the
// orchestrator's Observer.
type PassStats struct {
	mu       sync.RWMutex
	projects map[string]*ProjectStats
	window   time.Duration
	now      func() time.Time
}

// ProjectStats holds statistics for one project.
type ProjectStats struct {
	ProjectID       string                          `json:"project_id"`
	Passes          int64                           `json:"passes"`
	Succeeded       int64                           `json:"succeeded"`
	Failed          int64                           `json:"failed"`
	Abandoned       int64                           `json:"abandoned"`
	ByKind          map[orchestrator.PassKind]int64 `json:"by_kind"`
	SlideEdits      map[int]int64                   `json:"slide_edits"`
	CompileDuration time.Duration                   `json:"compile_duration"`
	RenderDuration  time.Duration                   `json:"render_duration"`
	TotalDuration   time.Duration                   `json:"total_duration"`
	LastDuration    time.Duration                   `json:"last_duration"`
	LastError       string                          `json:"last_error,omitempty"`
	LastSeen        time.Time                       `json:"last_seen"`
}

// AvgDuration returns the mean pass duration.
func (s ProjectStats) AvgDuration() time.Duration {
	if s.Passes == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Passes)
}

// SlideEdits is the edit count of one slide.
type SlideEdits struct {
	SlideNumber int   `json:"slide_number"`
	Edits       int64 `json:"edits"`
}

// NewPassStats creates a new pass statistics tracker.
// window: time duration for pruning idle projects (e.g., 24 hours)
func NewPassStats(window time.Duration) *PassStats {
	return &PassStats{
		projects: make(map[string]*ProjectStats),
		window:   window,
		now:      time.Now,
	}
}

// ObservePass records one pass report.
// This method is O(edited slides) and thread-safe.
func (p *PassStats) ObservePass(r orchestrator.PassReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats, exists := p.projects[r.ProjectID]
	if !exists {
		stats = &ProjectStats{
			ProjectID:  r.ProjectID,
			ByKind:     make(map[orchestrator.PassKind]int64),
			SlideEdits: make(map[int]int64),
		}
		p.projects[r.ProjectID] = stats
	}

	stats.Passes++
	stats.ByKind[r.Kind]++
	switch {
	case r.Succeeded:
		stats.Succeeded++
	case r.Abandoned:
		stats.Abandoned++
	default:
		stats.Failed++
	}
	if r.Err != nil && !r.Abandoned {
		stats.LastError = r.Err.Error()
	}
	for _, n := range r.EditedSlides {
		stats.SlideEdits[n]++
	}
	stats.CompileDuration += r.CompileDuration
	stats.RenderDuration += r.RenderDuration
	stats.TotalDuration += r.Duration
	stats.LastDuration = r.Duration
	stats.LastSeen = p.now()
}

// Project returns a copy of the statistics of one project.
func (p *PassStats) Project(projectID string) (ProjectStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.projects[projectID]
	if !ok {
		return ProjectStats{}, false
	}
	return s.copy(), true
}

// TopEditedSlides returns the n most edited slides of a project, most edits
// first and ties broken by slide number.
func (p *PassStats) TopEditedSlides(projectID string, n int) []SlideEdits {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.projects[projectID]
	if !ok || n <= 0 || len(s.SlideEdits) == 0 {
		return []SlideEdits{}
	}

	out := make([]SlideEdits, 0, len(s.SlideEdits))
	for num, edits := range s.SlideEdits {
		out = append(out, SlideEdits{SlideNumber: num, Edits: edits})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Edits != out[j].Edits {
			return out[i].Edits > out[j].Edits
		}
		return out[i].SlideNumber < out[j].SlideNumber
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Forget drops the statistics of a deleted project.
func (p *PassStats) Forget(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.projects, projectID)
}

// Prune removes projects with no pass within the window.
// This should be called periodically (e.g., every hour).
func (p *PassStats) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := p.now().Add(-p.window)
	for id, stats := range p.projects {
		if stats.LastSeen.Before(threshold) {
			delete(p.projects, id)
		}
	}
}

func (s *ProjectStats) copy() ProjectStats {
	c := *s
	c.ByKind = make(map[orchestrator.PassKind]int64, len(s.ByKind))
	for k, v := range s.ByKind {
		c.ByKind[k] = v
	}
	c.SlideEdits = make(map[int]int64, len(s.SlideEdits))
	for k, v := range s.SlideEdits {
		c.SlideEdits[k] = v
	}
	return c
}
