package workflow

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func fullChecklist() Checklist {
	return Checklist{
		IdeaConfirmed:       true,
		EvaluationConfirmed: true,
		DocumentsConfirmed: map[DocType]bool{
			DocBusinessPlan: true,
			DocPitchDeck:    true,
			DocLandingPage:  true,
		},
		DeploymentConfirmed: true,
	}
}

func TestNextTable(t *testing.T) {
	tests := []struct {
		gate      Gate
		nextStage Stage
		nextGate  Gate
	}{
		{Gate1, StageEvaluation, Gate2},
		{Gate2, StageDocument, Gate3},
		{Gate3, StageDeploy, Gate4},
		{Gate4, StageDone, Completed},
	}
	for _, tt := range tests {
		tr, err := Next(tt.gate)
		if err != nil {
			t.Fatalf("Next(%s): %v", tt.gate, err)
		}
		if tr.NextStage != tt.nextStage || tr.NextGate != tt.nextGate {
			t.Errorf("Next(%s) = %+v", tt.gate, tr)
		}
	}
	if _, err := Next(Completed); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("Next(completed) err = %v", err)
	}
}

func TestStageOfAndGateNumber(t *testing.T) {
	if StageOf(Gate3) != StageDocument || StageOf(Completed) != StageDone {
		t.Fatal("StageOf mismatch")
	}
	if GateNumber(Gate4) != 4 || GateNumber(Completed) != 0 {
		t.Fatal("GateNumber mismatch")
	}
}

func TestParse(t *testing.T) {
	if _, err := ParseStage("deploy"); err != nil {
		t.Fatalf("ParseStage: %v", err)
	}
	if _, err := ParseStage("launch"); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("ParseStage(launch) err = %v", err)
	}
	if g, err := ParseGate("completed"); err != nil || g != Completed {
		t.Fatalf("ParseGate = %v, %v", g, err)
	}
	if _, err := ParseGate("gate_5"); !errors.Is(err, ErrInvalidGate) {
		t.Fatalf("ParseGate(gate_5) err = %v", err)
	}
	if _, err := ParseDocType("pitch_deck"); err != nil {
		t.Fatalf("ParseDocType: %v", err)
	}
	if _, err := ParseDocType("memo"); !errors.Is(err, ErrInvalidDoc) {
		t.Fatalf("ParseDocType(memo) err = %v", err)
	}
}

func TestMissingGate3ListsDocsInOrder(t *testing.T) {
	c := Checklist{DocumentsConfirmed: map[DocType]bool{DocPitchDeck: true}}
	got := Missing(Gate3, c)
	want := []string{"business_plan", "landing_page"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}
}

func TestReady(t *testing.T) {
	err := Ready(Gate1, Checklist{})
	var unmet *UnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Ready err = %v, want UnmetError", err)
	}
	if unmet.Gate != Gate1 || !reflect.DeepEqual(unmet.Missing, []string{"idea_card"}) {
		t.Fatalf("unmet = %+v", unmet)
	}

	for _, g := range []Gate{Gate1, Gate2, Gate3, Gate4} {
		if err := Ready(g, fullChecklist()); err != nil {
			t.Errorf("Ready(%s): %v", g, err)
		}
	}
	if err := Ready(Completed, fullChecklist()); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("Ready(completed) err = %v", err)
	}
}

func TestAdvanceWalksAllGates(t *testing.T) {
	p := Start()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, g := range []Gate{Gate1, Gate2, Gate3, Gate4} {
		next, tr, err := Advance(p, g, now.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("Advance(%s): %v", g, err)
		}
		if tr.From != g || next.Gate != tr.NextGate || next.Stage != tr.NextStage {
			t.Fatalf("Advance(%s) = %+v / %+v", g, next, tr)
		}
		at := PassedAt(next, g)
		if at == nil || !at.Equal(now.Add(time.Duration(i)*time.Hour)) {
			t.Fatalf("passed_at(%s) = %v", g, at)
		}
		p = next
	}
	if p.Stage != StageDone || p.Gate != Completed {
		t.Fatalf("final progress = %+v", p)
	}
	// 之前的时间戳保持不变
	if p.Gate1PassedAt == nil || !p.Gate1PassedAt.Equal(now) {
		t.Fatalf("gate_1 timestamp changed: %v", p.Gate1PassedAt)
	}
}

func TestAdvanceRejectsOutOfOrder(t *testing.T) {
	p := Start()
	_, _, err := Advance(p, Gate2, time.Now())
	if !errors.Is(err, ErrGateMismatch) {
		t.Fatalf("err = %v, want ErrGateMismatch", err)
	}
	if p.Gate2PassedAt != nil {
		t.Fatal("progress mutated on rejected advance")
	}

	done := Progress{Stage: StageDone, Gate: Completed}
	if _, _, err := Advance(done, Completed, time.Now()); !errors.Is(err, ErrNoTransition) {
		t.Fatalf("err = %v, want ErrNoTransition", err)
	}
}

func TestRequiredDocTypesIsACopy(t *testing.T) {
	docs := RequiredDocTypes()
	docs[0] = "tampered"
	if RequiredDocTypes()[0] != DocBusinessPlan {
		t.Fatal("RequiredDocTypes leaked internal slice")
	}
}
