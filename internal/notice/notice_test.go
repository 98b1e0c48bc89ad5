package notice

import (
	"testing"
	"time"
)

func TestBoardAutoDismiss(t *testing.T) {
	b := NewBoard(20 * time.Millisecond)
	b.Error("save failed")

	active := b.Active()
	if len(active) != 1 || active[0].Level != LevelError || active[0].Message != "save failed" {
		t.Fatalf("unexpected active notices: %+v", active)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(b.Active()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("notice was not dismissed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if b.Posted() != 1 {
		t.Errorf("expected 1 posted notice, got %d", b.Posted())
	}
}

func TestBoardDismiss(t *testing.T) {
	b := NewBoard(time.Minute)
	b.Info("one")
	b.Error("two")

	first := b.Active()[0]
	b.Dismiss(first.ID)
	b.Dismiss(12345)

	active := b.Active()
	if len(active) != 1 || active[0].Message != "two" {
		t.Errorf("unexpected active notices: %+v", active)
	}
	if b.Posted() != 2 {
		t.Errorf("expected 2 posted, got %d", b.Posted())
	}
}
