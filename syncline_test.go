package syncline_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"syncline"
)

func TestOpenAndRun(t *testing.T) {
	conn, err := syncline.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	schedule := syncline.NewMemoryStore("schedule")
	project := syncline.NewMemoryStore("project")
	rules := []syncline.TransitionRule{
		{TriggerKind: "kickoff", FromPhase: syncline.PhaseIdle, ToPhase: syncline.PhasePreparation, Mode: syncline.ModeAuto},
	}
	eng, err := syncline.New(conn, syncline.DefaultConfig(), schedule, project, rules, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer eng.Stop()

	ctx := context.Background()
	if err := project.Set(ctx, "proj-1", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	schedule.Emit(ctx, "kickoff", map[string]any{"entityId": "proj-1"})

	value, ok, err := project.Get(ctx, "proj-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value["phase"] != "preparation" {
		t.Fatalf("expected preparation, got %v", value["phase"])
	}
	if out := syncline.Validate(ctx, eng); out == "" {
		t.Fatalf("expected a rendered report")
	}
}
