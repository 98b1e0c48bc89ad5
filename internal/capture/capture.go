// internal/capture/capture.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"silk-kcal/internal/ai"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/notice"
)

var (
	ErrBusy       = errors.New("an analysis is already running or waiting to be saved")
	ErrNoResult   = errors.New("no analysis result to save")
	ErrEmptyInput = errors.New("nothing to analyze")
	// ErrSuperseded is returned for a result that arrived after the capture
	// surface was reset. The result is dropped.
	ErrSuperseded = errors.New("analysis result arrived after reset")
)

// Saver records a confirmed result in the history.
type Saver interface {
	Insert(ctx context.Context, data models.NutritionData, mealType models.MealType) (models.HistoryRecord, error)
}

type Source string

const (
	SourceImage Source = "image"
	SourceText  Source = "text"
)

// Pending is an analysis result waiting for the user to pick a meal type.
type Pending struct {
	Data              models.NutritionData `json:"data"`
	Macros            models.ParsedMacros  `json:"macros"`
	SuggestedMealType models.MealType      `json:"suggestedMealType"`
	Source            Source               `json:"source"`
}

// State is a snapshot of the capture surface.
type State struct {
	Analyzing  bool     `json:"analyzing"`
	Pending    *Pending `json:"pending,omitempty"`
	Generation uint64   `json:"generation"`
}

// Controller runs at most one analysis at a time and holds its result until
// it is saved or discarded.
type Controller struct {
	analyzer ai.Analyzer
	saver    Saver
	notify   notice.Notifier
	now      func() time.Time
	loc      *time.Location

	mu         sync.Mutex
	analyzing  bool
	pending    *Pending
	generation uint64
}

func NewController(analyzer ai.Analyzer, saver Saver, notify notice.Notifier, now func() time.Time, loc *time.Location) *Controller {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		analyzer: analyzer,
		saver:    saver,
		notify:   notify,
		now:      now,
		loc:      loc,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{Analyzing: c.analyzing, Generation: c.generation}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	return s
}

func (c *Controller) AnalyzeImage(ctx context.Context, image []byte) (*Pending, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}
	return c.analyze(ctx, SourceImage, func(ctx context.Context) (*models.NutritionData, error) {
		return c.analyzer.AnalyzeImage(ctx, image)
	})
}

func (c *Controller) AnalyzeText(ctx context.Context, description string) (*Pending, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, ErrEmptyInput
	}
	return c.analyze(ctx, SourceText, func(ctx context.Context) (*models.NutritionData, error) {
		return c.analyzer.AnalyzeText(ctx, description)
	})
}

func (c *Controller) analyze(ctx context.Context, source Source, run func(context.Context) (*models.NutritionData, error)) (*Pending, error) {
	c.mu.Lock()
	if c.analyzing || c.pending != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.analyzing = true
	gen := c.generation
	c.mu.Unlock()

	data, err := run(ctx)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		logger.Debug("Dropping %s analysis result after reset", source)
		return nil, ErrSuperseded
	}
	c.analyzing = false

	if err != nil {
		c.pending = nil
		c.generation++
		c.mu.Unlock()

		logger.Error("Food analysis failed: %v", err)
		c.notify.Error("Analysis failed, please try again")
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	p := &Pending{
		Data:              *data,
		Macros:            data.Macros(),
		SuggestedMealType: models.SuggestMealType(c.now().In(c.loc).Hour()),
		Source:            source,
	}
	c.pending = p
	out := *p
	c.mu.Unlock()

	logger.Debug("Analyzed %s: %s, %d kcal", source, data.FoodName, data.Calories)
	return &out, nil
}

// Save hands the pending result to the history under mealType and resets the
// surface. The history reports save failures itself.
func (c *Controller) Save(ctx context.Context, mealType models.MealType) (models.HistoryRecord, error) {
	if !mealType.Valid() {
		return models.HistoryRecord{}, fmt.Errorf("invalid meal type %q", mealType)
	}

	c.mu.Lock()
	p := c.pending
	if p == nil {
		c.mu.Unlock()
		return models.HistoryRecord{}, ErrNoResult
	}
	c.pending = nil
	c.generation++
	c.mu.Unlock()

	return c.saver.Insert(ctx, p.Data, mealType)
}

// Discard drops the pending result and abandons any analysis still running.
// Nothing is saved.
func (c *Controller) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.analyzing = false
	c.generation++
}
