package orchestrator

import (
	"sort"
	"sync"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// passResult is delivered to every caller whose request landed in a pass.
type passResult struct {
	slides []types.SlideSpec
	tables []types.SlideTable
	err    error
}

type waiter chan passResult

func newWaiter() waiter {
	return make(waiter, 1)
}

// reply never blocks: each waiter is buffered and answered exactly once.
func (w waiter) reply(r passResult) {
	select {
	case w <- r:
	default:
	}
}

// pendingEdit is the latest queued row list for one slide plus every caller
// that asked for it.
type pendingEdit struct {
	rows    []types.RowSpec
	waiters []waiter
}

// batch is the work taken off the queue for one pass.
type batch struct {
	analyze []waiter
	edits   map[int]*pendingEdit
	regen   []waiter
}

func (b *batch) empty() bool {
	return len(b.analyze) == 0 && len(b.edits) == 0 && len(b.regen) == 0
}

// editedSlides returns the edited slide numbers in ascending order.
func (b *batch) editedSlides() []int {
	nums := make([]int, 0, len(b.edits))
	for n := range b.edits {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// waiters returns every waiter of the edit and regenerate requests.
func (b *batch) waiters() []waiter {
	var all []waiter
	for _, n := range b.editedSlides() {
		all = append(all, b.edits[n].waiters...)
	}
	return append(all, b.regen...)
}

// queue collects requests between passes. Edits to the same slide coalesce:
// the latest rows win and all callers are kept.
type queue struct {
	mu      sync.Mutex
	closed  bool
	analyze []waiter
	edits   map[int]*pendingEdit
	regen   []waiter
}

func newQueue() *queue {
	return &queue{edits: make(map[int]*pendingEdit)}
}

func (q *queue) pushAnalyze(w waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.analyze = append(q.analyze, w)
	return true
}

func (q *queue) pushEdit(slide int, rows []types.RowSpec, w waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	pe, ok := q.edits[slide]
	if !ok {
		pe = &pendingEdit{}
		q.edits[slide] = pe
	}
	pe.rows = rows
	pe.waiters = append(pe.waiters, w)
	return true
}

func (q *queue) pushRegenerate(w waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.regen = append(q.regen, w)
	return true
}

// take removes the next batch. Analysis runs alone; edits and regenerate
// requests are merged into one pass.
func (q *queue) take() batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.analyze) > 0 {
		b := batch{analyze: q.analyze}
		q.analyze = nil
		return b
	}
	b := batch{edits: q.edits, regen: q.regen}
	q.edits = make(map[int]*pendingEdit)
	q.regen = nil
	return b
}

// pendingRows returns the queued rows for slide, for inspection in tests.
func (q *queue) pendingRows(slide int) ([]types.RowSpec, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pe, ok := q.edits[slide]
	if !ok {
		return nil, 0, false
	}
	return pe.rows, len(pe.waiters), true
}

// close rejects further requests and answers every queued caller with
// ErrProjectClosed.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	b := batch{analyze: q.analyze, edits: q.edits, regen: q.regen}
	q.analyze, q.regen = nil, nil
	q.edits = make(map[int]*pendingEdit)
	q.mu.Unlock()

	closed := passResult{err: errors.ErrProjectClosed}
	for _, w := range b.analyze {
		w.reply(closed)
	}
	for _, w := range b.waiters() {
		w.reply(closed)
	}
}
