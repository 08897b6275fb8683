package gamecore

import "fmt"

// Stage is the betting progression of a hand.
type Stage string

const (
	StageWaiting Stage = "waiting"
	StagePreFlop Stage = "pre_flop"
	StageFlop    Stage = "flop"
	StageTurn    Stage = "turn"
	StageRiver   Stage = "river"
)

// Valid reports whether the stage is one of the defined values.
func (stage Stage) Valid() bool {
	switch stage {
	case StageWaiting, StagePreFlop, StageFlop, StageTurn, StageRiver:
		return true
	}
	return false
}

// Active reports whether a hand is in progress at this stage.
func (stage Stage) Active() bool {
	return stage.Valid() && stage != StageWaiting
}

// BoardSize returns the number of community cards expected at this stage.
func (stage Stage) BoardSize() int {
	switch stage {
	case StageFlop:
		return 3
	case StageTurn:
		return 4
	case StageRiver:
		return 5
	default:
		return 0
	}
}

// Next returns the stage that follows in normal progression. The second
// return is false when the stage has no successor (river hands go
// through finalize, not Next).
func (stage Stage) Next() (Stage, bool) {
	switch stage {
	case StageWaiting:
		return StagePreFlop, true
	case StagePreFlop:
		return StageFlop, true
	case StageFlop:
		return StageTurn, true
	case StageTurn:
		return StageRiver, true
	default:
		return stage, false
	}
}

// ParseStage validates a raw stage string.
func ParseStage(raw string) (Stage, error) {
	stage := Stage(raw)
	if !stage.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, raw)
	}
	return stage, nil
}
