package runreport

import (
	"fmt"
)

// Stage is a step of the per-account state machine:
//
//	pending -> authenticating -> filtering -> downloading -> normalizing -> {succeeded | partial | failed}
//
// failed is reachable from every non-terminal stage.
type Stage string

const (
	StagePending        Stage = "pending"
	StageAuthenticating Stage = "authenticating"
	StageFiltering      Stage = "filtering"
	StageDownloading    Stage = "downloading"
	StageNormalizing    Stage = "normalizing"
	StageSucceeded      Stage = "succeeded"
	StagePartial        Stage = "partial"
	StageFailed         Stage = "failed"
)

var stageOrder = map[Stage]int{
	StagePending:        0,
	StageAuthenticating: 1,
	StageFiltering:      2,
	StageDownloading:    3,
	StageNormalizing:    4,
}

func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StagePartial || s == StageFailed
}

// InvalidTransitionError is returned when the state machine is asked to make
// a move it does not allow.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

// Tracker holds the stage of one account. It is not safe for concurrent use,
// Builder guards it.
type Tracker struct {
	stage   Stage
	history []Stage
}

func NewTracker() *Tracker {
	return &Tracker{stage: StagePending, history: []Stage{StagePending}}
}

func (t *Tracker) Stage() Stage {
	return t.stage
}

// History lists every stage entered, starting with pending.
func (t *Tracker) History() []Stage {
	return append([]Stage(nil), t.history...)
}

// Advance moves forward. Non-terminal stages may only move forward (a retry
// re-entering authenticating after filtering is allowed, since a new session
// starts over), succeeded and partial are only reachable from normalizing.
func (t *Tracker) Advance(next Stage) error {
	if t.stage.Terminal() {
		return InvalidTransitionError{From: t.stage, To: next}
	}

	switch next {
	case StageFailed:
	case StageSucceeded, StagePartial:
		if t.stage != StageNormalizing {
			return InvalidTransitionError{From: t.stage, To: next}
		}
	case StageAuthenticating:
		if t.stage == StageNormalizing {
			return InvalidTransitionError{From: t.stage, To: next}
		}
	default:
		nextOrder, ok := stageOrder[next]
		if !ok || nextOrder <= stageOrder[t.stage] {
			return InvalidTransitionError{From: t.stage, To: next}
		}
	}

	if next != t.stage {
		t.stage = next
		t.history = append(t.history, next)
	}
	return nil
}
