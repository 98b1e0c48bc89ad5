// internal/timeline/timeline.go
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"silk-kcal/internal/ai"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/notice"
)

var (
	ErrIncompleteDay = errors.New("day needs a breakfast, a lunch and a dinner before analysis")
	ErrUnknownDay    = errors.New("no records on that day")
	ErrSelecting     = errors.New("swipe is disabled while selecting")
	ErrNotSelecting  = errors.New("selection mode is off")
)

// Store is the part of the history the timeline reads and deletes from.
type Store interface {
	Records() []models.HistoryRecord
	Remove(ctx context.Context, id string) error
	RemoveBatch(ctx context.Context, ids []string) error
}

// Timeline presents the history by day and owns the swipe and multi-select
// deletion modes.
type Timeline struct {
	store     Store
	analyzer  ai.Analyzer
	notify    notice.Notifier
	threshold float64

	mu        sync.Mutex
	selecting bool
	selected  map[string]bool
}

func New(store Store, analyzer ai.Analyzer, notify notice.Notifier, threshold float64) *Timeline {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Timeline{
		store:     store,
		analyzer:  analyzer,
		notify:    notify,
		threshold: threshold,
		selected:  make(map[string]bool),
	}
}

func (t *Timeline) Days() []Day {
	return Group(t.store.Records())
}

func (t *Timeline) Threshold() float64 {
	return t.threshold
}

// Swipe replays a drag on record id. The record is deleted only when the
// release commits.
func (t *Timeline) Swipe(ctx context.Context, id string, offsets []float64) (SwipeState, error) {
	if t.Selecting() {
		return Neutral, ErrSelecting
	}

	s := NewSwipe(t.threshold)
	for _, off := range offsets {
		s.Move(off)
	}
	state := s.Release()
	if state != Committed {
		return state, nil
	}

	logger.Debug("Swipe committed on %s at %.0fpx", id, s.Offset())
	return state, t.store.Remove(ctx, id)
}

func (t *Timeline) Selecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selecting
}

func (t *Timeline) EnterSelection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selecting = true
	t.selected = make(map[string]bool)
}

// ExitSelection leaves the mode and forgets the selection.
func (t *Timeline) ExitSelection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selecting = false
	t.selected = make(map[string]bool)
}

func (t *Timeline) Toggle(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.selecting {
		return ErrNotSelecting
	}
	if t.selected[id] {
		delete(t.selected, id)
	} else {
		t.selected[id] = true
	}
	return nil
}

// SelectAll selects every record, or clears the selection when everything
// is already selected.
func (t *Timeline) SelectAll() error {
	records := t.store.Records()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.selecting {
		return ErrNotSelecting
	}

	// Ids deleted since they were selected do not count.
	present := 0
	for _, r := range records {
		if t.selected[r.ID] {
			present++
		}
	}
	if len(records) > 0 && present == len(records) {
		t.selected = make(map[string]bool)
		return nil
	}
	t.selected = make(map[string]bool, len(records))
	for _, r := range records {
		t.selected[r.ID] = true
	}
	return nil
}

// Selected returns the selected ids in history order.
func (t *Timeline) Selected() []string {
	records := t.store.Records()

	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, r := range records {
		if t.selected[r.ID] {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// DeleteSelected removes the selection with one batch call and leaves the
// mode. It does nothing while the selection is empty.
func (t *Timeline) DeleteSelected(ctx context.Context) (int, error) {
	if !t.Selecting() {
		return 0, ErrNotSelecting
	}
	ids := t.Selected()
	if len(ids) == 0 {
		return 0, nil
	}

	t.ExitSelection()
	if err := t.store.RemoveBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// AnalyzeDay asks the model to assess a complete day against the goal.
func (t *Timeline) AnalyzeDay(ctx context.Context, date, goal, targetCalories string) (*models.DailyAnalysisResult, error) {
	var day *Day
	for _, d := range t.Days() {
		if d.Date == date {
			d := d
			day = &d
			break
		}
	}
	if day == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDay, date)
	}
	if !day.IsCompleteDay {
		return nil, ErrIncompleteDay
	}

	result, err := t.analyzer.AnalyzeDaily(ctx, day.Records, goal, targetCalories)
	if err != nil {
		logger.Error("Daily analysis for %s failed: %v", date, err)
		t.notify.Error("Daily analysis failed, please try again")
		return nil, err
	}
	return result, nil
}
