package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"silk-kcal/internal/backend"
	"silk-kcal/internal/logger"
	"silk-kcal/internal/models"
	"silk-kcal/internal/session"
	"silk-kcal/internal/storage"
	"silk-kcal/internal/timeline"
)

func init() {
	logger.SetOutput(io.Discard)
}

type fixedAnalyzer struct{}

func (fixedAnalyzer) AnalyzeImage(context.Context, []byte) (*models.NutritionData, error) {
	return &models.NutritionData{FoodName: "Curry", Calories: 700, Protein: "25g", Carbs: "90g", Fat: "22g"}, nil
}

func (fixedAnalyzer) AnalyzeText(_ context.Context, description string) (*models.NutritionData, error) {
	return &models.NutritionData{FoodName: description, Calories: 400, Protein: "15g", Carbs: "50g", Fat: "10g"}, nil
}

func (fixedAnalyzer) AnalyzeDaily(_ context.Context, records []models.HistoryRecord, goal, target string) (*models.DailyAnalysisResult, error) {
	total := 0
	for _, r := range records {
		total += r.Data.Calories
	}
	return &models.DailyAnalysisResult{TotalCalories: total, GoalAssessment: goal, Suggestions: "ok", GoalCompletion: target}, nil
}

var evening = time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)

type device struct {
	app   *App
	store *storage.SQLiteStorage
	cache *storage.SQLiteCache
}

func (d *device) close() {
	d.app.Stop()
	d.store.Close()
	d.cache.Close()
}

// launch opens the device databases in dir and starts the app on them.
func launch(t *testing.T, dir string) *device {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "backend.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	cache, err := storage.NewSQLiteCache(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	now := func() time.Time { return evening }
	b := backend.NewEmbedded(store, cache, backend.WithClock(now), backend.WithHashCost(bcrypt.MinCost))

	a := New(b, fixedAnalyzer{}, cache, Options{Location: time.UTC, Now: now, NoticeTTL: time.Minute})
	a.Start(context.Background())
	return &device{app: a, store: store, cache: cache}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d := launch(t, dir)
	if d.app.Session.State() != session.Unauthenticated {
		t.Fatalf("expected unauthenticated on first launch, got %s", d.app.Session.State())
	}
	if _, err := d.app.Session.Register(ctx, "cook@example.com", "secret1", "secret1", backend.Recovery{Question: "Pet?", Answer: "rex"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.app.Session.SkipOnboarding(ctx); err != nil {
		t.Fatalf("SkipOnboarding failed: %v", err)
	}

	p, err := d.app.Capture.AnalyzeText(ctx, "noodles")
	if err != nil {
		t.Fatalf("AnalyzeText failed: %v", err)
	}
	if p.SuggestedMealType != models.Dinner {
		t.Errorf("expected dinner suggestion at 19:00, got %s", p.SuggestedMealType)
	}
	if _, err := d.app.Capture.Save(ctx, p.SuggestedMealType); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := d.app.AnalyzeDay(ctx, "2024-05-01"); !errors.Is(err, timeline.ErrIncompleteDay) {
		t.Errorf("expected ErrIncompleteDay, got %v", err)
	}
	d.close()

	// The session and the record survive a relaunch.
	d = launch(t, dir)
	defer d.close()
	snap := d.app.Snapshot()
	if snap.Session.State != session.Main || snap.Session.User == nil {
		t.Fatalf("expected main with a user after relaunch, got %+v", snap.Session)
	}
	days := d.app.Timeline.Days()
	if len(days) != 1 || days[0].Date != "2024-05-01" || days[0].TotalCalories != 400 {
		t.Fatalf("unexpected history after relaunch %+v", days)
	}

	for _, mt := range []models.MealType{models.Breakfast, models.Lunch} {
		if _, err := d.app.Capture.AnalyzeImage(ctx, []byte{0xff, 0xd8}); err != nil {
			t.Fatalf("AnalyzeImage failed: %v", err)
		}
		if _, err := d.app.Capture.Save(ctx, mt); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	result, err := d.app.AnalyzeDay(ctx, "2024-05-01")
	if err != nil {
		t.Fatalf("AnalyzeDay failed: %v", err)
	}
	if result.TotalCalories != 1800 || result.GoalAssessment != models.GoalMaintainWeight {
		t.Errorf("unexpected analysis %+v", result)
	}

	d.app.Timeline.EnterSelection()
	d.app.Logout(ctx)
	snap = d.app.Snapshot()
	if snap.Session.State != session.Unauthenticated || snap.Selecting || len(d.app.Timeline.Days()) != 0 {
		t.Errorf("logout left state behind: %+v", snap)
	}
	if _, err := d.app.RequireUser(); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}
