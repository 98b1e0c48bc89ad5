package settings

import (
	"context"
	"testing"

	"silk-kcal/internal/models"
)

type mapCache map[string]string

func (m mapCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapCache) Set(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestLoadWritesDefaults(t *testing.T) {
	ctx := context.Background()
	c := mapCache{}

	s, err := Load(ctx, c, "a@example.com")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s != models.DefaultSettings() {
		t.Errorf("expected defaults, got %+v", s)
	}
	if c["silk_kcal_goal_a@example.com"] != models.GoalMaintainWeight {
		t.Errorf("goal default not persisted: %v", c)
	}
	if c["silk_kcal_target_a@example.com"] != "2000" {
		t.Errorf("target default not persisted: %v", c)
	}
	if _, ok := c["silk_kcal_onboarding_a@example.com"]; ok {
		t.Error("onboarding flag must not be written by Load")
	}
}

func TestSettingsArePerIdentity(t *testing.T) {
	ctx := context.Background()
	c := mapCache{}

	if err := SaveGoal(ctx, c, "a@example.com", models.GoalLoseWeight); err != nil {
		t.Fatal(err)
	}
	if err := SaveTargetCalories(ctx, c, "a@example.com", " 1800 "); err != nil {
		t.Fatal(err)
	}
	if err := MarkOnboardingSeen(ctx, c, "a@example.com"); err != nil {
		t.Fatal(err)
	}

	a, _ := Load(ctx, c, "a@example.com")
	if a.Goal != models.GoalLoseWeight || a.TargetCalories != "1800" || !a.OnboardingSeen {
		t.Errorf("unexpected settings for a: %+v", a)
	}

	b, _ := Load(ctx, c, "b@example.com")
	if b.OnboardingSeen || b.Goal != models.GoalMaintainWeight {
		t.Errorf("settings leaked across identities: %+v", b)
	}
}

func TestSaveTargetCaloriesValidation(t *testing.T) {
	c := mapCache{}
	for _, bad := range []string{"", "abc", "-5", "0"} {
		if err := SaveTargetCalories(context.Background(), c, "a@example.com", bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
