package observability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arkilian/tabledeck/internal/orchestrator"
)

// TestObservePassConcurrent tests concurrent ObservePass calls for race conditions.
func TestObservePassConcurrent(t *testing.T) {
	ps := NewPassStats(time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	passesPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < passesPerGoroutine; j++ {
				ps.ObservePass(orchestrator.PassReport{
					ProjectID:    "p1",
					Kind:         orchestrator.PassEdit,
					EditedSlides: []int{2},
					Duration:     time.Millisecond,
					Succeeded:    true,
				})
			}
		}()
	}
	wg.Wait()

	stats, ok := ps.Project("p1")
	if !ok {
		t.Fatal("expected stats for p1")
	}
	expected := int64(numGoroutines * passesPerGoroutine)
	if stats.Passes != expected || stats.Succeeded != expected {
		t.Errorf("expected %d passes, got %d (%d succeeded)", expected, stats.Passes, stats.Succeeded)
	}
	if stats.SlideEdits[2] != expected {
		t.Errorf("expected %d edits of slide 2, got %d", expected, stats.SlideEdits[2])
	}
	if stats.AvgDuration() != time.Millisecond {
		t.Errorf("expected 1ms average, got %v", stats.AvgDuration())
	}
}

func TestObservePassOutcomes(t *testing.T) {
	ps := NewPassStats(time.Hour)
	ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", Kind: orchestrator.PassInitial, Succeeded: true, Duration: 3 * time.Second})
	ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", Kind: orchestrator.PassEdit, Err: errors.New("unknown field premium"), Duration: time.Second})
	ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", Kind: orchestrator.PassRegenerate, Abandoned: true, Err: errors.New("closed")})

	stats, _ := ps.Project("p1")
	if stats.Succeeded != 1 || stats.Failed != 1 || stats.Abandoned != 1 {
		t.Errorf("unexpected outcome counts: %+v", stats)
	}
	if stats.LastError != "unknown field premium" {
		t.Errorf("abandoned pass must not overwrite the last error, got %q", stats.LastError)
	}
	if stats.ByKind[orchestrator.PassRegenerate] != 1 {
		t.Errorf("expected one regenerate pass, got %d", stats.ByKind[orchestrator.PassRegenerate])
	}
	if stats.AvgDuration() != 4*time.Second/3 {
		t.Errorf("unexpected average %v", stats.AvgDuration())
	}
}

// TestTopEditedSlidesOrdering tests that TopEditedSlides sorts by edit count.
func TestTopEditedSlidesOrdering(t *testing.T) {
	ps := NewPassStats(time.Hour)
	for i := 0; i < 5; i++ {
		ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", EditedSlides: []int{3}})
	}
	for i := 0; i < 5; i++ {
		ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", EditedSlides: []int{1}})
	}
	ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", EditedSlides: []int{2, 3}})

	top := ps.TopEditedSlides("p1", 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 slides, got %d", len(top))
	}
	if top[0].SlideNumber != 3 || top[0].Edits != 6 {
		t.Errorf("expected slide 3 with 6 edits first, got %+v", top[0])
	}
	if top[1].SlideNumber != 1 {
		t.Errorf("expected slide 1 second, got %+v", top[1])
	}

	if got := ps.TopEditedSlides("missing", 3); len(got) != 0 {
		t.Errorf("expected no slides for unknown project, got %v", got)
	}
}

func TestProjectReturnsCopy(t *testing.T) {
	ps := NewPassStats(time.Hour)
	ps.ObservePass(orchestrator.PassReport{ProjectID: "p1", EditedSlides: []int{1}})

	stats, _ := ps.Project("p1")
	stats.SlideEdits[1] = 99

	again, _ := ps.Project("p1")
	if again.SlideEdits[1] != 1 {
		t.Errorf("external modification leaked into tracker: %d", again.SlideEdits[1])
	}
}

func TestPruneAndForget(t *testing.T) {
	ps := NewPassStats(time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ps.now = func() time.Time { return now }

	ps.ObservePass(orchestrator.PassReport{ProjectID: "old"})
	now = now.Add(2 * time.Hour)
	ps.ObservePass(orchestrator.PassReport{ProjectID: "new"})
	ps.ObservePass(orchestrator.PassReport{ProjectID: "gone"})

	ps.Prune()
	if _, ok := ps.Project("old"); ok {
		t.Error("expected idle project to be pruned")
	}
	if _, ok := ps.Project("new"); !ok {
		t.Error("expected recent project to survive pruning")
	}

	ps.Forget("gone")
	if _, ok := ps.Project("gone"); ok {
		t.Error("expected forgotten project to be removed")
	}
}
