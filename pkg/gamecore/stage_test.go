package gamecore

import (
	"errors"
	"testing"
)

func TestStageProgressionOrder(test *testing.T) {
	test.Parallel()
	expected := []Stage{StagePreFlop, StageFlop, StageTurn, StageRiver}
	stage := StageWaiting
	for _, want := range expected {
		next, ok := stage.Next()
		if !ok {
			test.Fatalf("expected successor for %s", stage)
		}
		if next != want {
			test.Fatalf("expected %s after %s, got %s", want, stage, next)
		}
		stage = next
	}
	if _, ok := StageRiver.Next(); ok {
		test.Fatal("river must have no successor")
	}
}

func TestStageBoardSizes(test *testing.T) {
	test.Parallel()
	sizes := map[Stage]int{
		StageWaiting: 0,
		StagePreFlop: 0,
		StageFlop:    3,
		StageTurn:    4,
		StageRiver:   5,
	}
	for stage, want := range sizes {
		if got := stage.BoardSize(); got != want {
			test.Fatalf("expected board size %d for %s, got %d", want, stage, got)
		}
	}
}

func TestStageActiveExcludesWaiting(test *testing.T) {
	test.Parallel()
	if StageWaiting.Active() {
		test.Fatal("waiting must not be active")
	}
	for _, stage := range []Stage{StagePreFlop, StageFlop, StageTurn, StageRiver} {
		if !stage.Active() {
			test.Fatalf("expected %s active", stage)
		}
	}
}

func TestParseStageRejectsUnknown(test *testing.T) {
	test.Parallel()
	if _, err := ParseStage("showdown"); !errors.Is(err, ErrInvalidStage) {
		test.Fatalf("expected ErrInvalidStage, got %v", err)
	}
	stage, err := ParseStage("pre_flop")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if stage != StagePreFlop {
		test.Fatalf("expected pre_flop, got %s", stage)
	}
}
