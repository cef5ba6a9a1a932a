package model

import (
	"testing"
	"time"
)

func configFixtures() []ModelConfig {
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	return []ModelConfig{
		{ID: "c", Provider: "anthropic", ModelName: "claude-haiku-4-5-20251001", UseCase: UseResearch, Priority: 2, Enabled: true, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "a", Provider: "anthropic", ModelName: "claude-sonnet-4-5-20250929", UseCase: UseGeneration, Priority: 1, Enabled: true, CreatedAt: base},
		{ID: "b", Provider: "anthropic", ModelName: "claude-opus-4-6", UseCase: UseBoth, Priority: 1, Enabled: true, CreatedAt: base.Add(time.Hour)},
		{ID: "d", Provider: "anthropic", ModelName: "disabled-model", UseCase: UseResearch, Priority: 0, Enabled: false, CreatedAt: base},
	}
}

func TestSelectModels_FiltersByUseCaseAndEnabled(t *testing.T) {
	got := SelectModels(configFixtures(), UseResearch)
	if len(got) != 2 {
		t.Fatalf("got %d configs, want 2 (both counts for research, disabled excluded)", len(got))
	}
	for _, m := range got {
		if !m.Enabled {
			t.Errorf("disabled config selected: %s", m.ID)
		}
		if !m.Serves(UseResearch) {
			t.Errorf("config %s does not serve research", m.ID)
		}
	}
}

func TestSelectModels_PriorityThenInsertionOrder(t *testing.T) {
	got := SelectModels(configFixtures(), UseGeneration)
	if len(got) != 2 {
		t.Fatalf("got %d configs, want 2", len(got))
	}
	// Both priority 1; "a" was inserted first.
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("tie not broken by insertion order: got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestSelectModels_Deterministic(t *testing.T) {
	first := SelectModels(configFixtures(), UseResearch)
	for i := 0; i < 50; i++ {
		again := SelectModels(configFixtures(), UseResearch)
		if len(again) != len(first) {
			t.Fatal("selection length varies between calls")
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("selection order varies at %d: %s vs %s", j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestSelectModels_EmptyWhenNoneServe(t *testing.T) {
	got := SelectModels([]ModelConfig{
		{ID: "x", UseCase: UseResearch, Priority: 1, Enabled: true},
	}, UseReview)
	if len(got) != 0 {
		t.Errorf("got %d configs, want 0", len(got))
	}
}
