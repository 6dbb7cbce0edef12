// Package orchestrator runs the per-region analysis state machine: image
// search, per-image NDVI and clustering branches, consolidation, alerting.
// Every top-level transition is checkpointed so a crashed run resumes from
// its last recorded state.
package orchestrator

import "github.com/forestshield/forestshield/internal/fserr"

// State identifies one node of the analysis state machine.
type State string

// Top-level states.
const (
	StateSearchImages       State = "SearchImages"
	StateMapPerImage        State = "MapPerImage"
	StateConsolidateResults State = "ConsolidateResults"
	StateSendAlert          State = "SendAlert"
	StateDone               State = "Done"
	StateFailed             State = "Failed"
	StateNoImagesFound      State = "NoImagesFound"
)

// Per-image branch states. A branch is an independent sub-machine; its
// terminal outcome never propagates to siblings.
const (
	StateImageNDVI          State = "PerImage.NDVI"
	StateImageCheckModel    State = "PerImage.CheckExistingModel"
	StateImageSelectK       State = "PerImage.SelectOptimalK"
	StateImageTrain         State = "PerImage.ClusterAndTrain"
	StateImageSaveModel     State = "PerImage.SaveNewModel"
	StateImageReuseModel    State = "PerImage.UseExistingModel"
	StateImageVisualize     State = "PerImage.GenerateVisualizations"
	StateImageDone          State = "PerImage.Done"
	StateImageFailed        State = "PerImage.Failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateNoImagesFound, StateImageDone, StateImageFailed:
		return true
	}
	return false
}

// Event is an observed outcome that drives a transition.
type Event string

const (
	EventImagesFound  Event = "images_found"
	EventNoImages     Event = "no_images"
	EventChildrenDone Event = "children_done"
	EventSuccess      Event = "success"
	EventFailure      Event = "failure"
	EventModelPresent Event = "model_present"
	EventModelAbsent  Event = "model_absent"
)

var transitions = map[State]map[Event]State{
	StateSearchImages: {
		EventImagesFound: StateMapPerImage,
		EventNoImages:    StateNoImagesFound,
		EventFailure:     StateFailed,
	},
	StateMapPerImage: {
		EventChildrenDone: StateConsolidateResults,
		EventFailure:      StateFailed,
	},
	StateConsolidateResults: {
		EventSuccess: StateSendAlert,
		EventFailure: StateFailed,
	},
	StateSendAlert: {
		EventSuccess: StateDone,
		EventFailure: StateFailed,
	},
	StateImageNDVI: {
		EventSuccess: StateImageCheckModel,
		EventFailure: StateImageFailed,
	},
	StateImageCheckModel: {
		EventModelPresent: StateImageReuseModel,
		EventModelAbsent:  StateImageSelectK,
	},
	StateImageSelectK: {
		// K-selection failure falls back to a default K; either way we train.
		EventSuccess: StateImageTrain,
		EventFailure: StateImageTrain,
	},
	StateImageTrain: {
		EventSuccess: StateImageSaveModel,
		EventFailure: StateImageFailed,
	},
	StateImageSaveModel: {
		EventSuccess: StateImageVisualize,
		EventFailure: StateImageFailed,
	},
	StateImageReuseModel: {
		EventSuccess: StateImageVisualize,
		EventFailure: StateImageVisualize,
	},
	StateImageVisualize: {
		// Charts are best-effort; a rendering failure never fails the branch.
		EventSuccess: StateImageDone,
		EventFailure: StateImageDone,
	},
}

// Transition is the pure step function of the machine.
func Transition(s State, ev Event) (State, error) {
	if s.Terminal() {
		return s, fserr.Ef(fserr.KindFatal, "transition", "state %s is terminal", s)
	}
	next, ok := transitions[s][ev]
	if !ok {
		return s, fserr.Ef(fserr.KindFatal, "transition", "no transition from %s on %s", s, ev)
	}
	return next, nil
}
