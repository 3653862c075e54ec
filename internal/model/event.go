package model

import "encoding/json"

// Stage is one named step of the remote analysis pipeline.
type Stage string

const (
	StageDetecting  Stage = "detecting"
	StageParsing    Stage = "parsing"
	StageExplaining Stage = "explaining"
	StageValidating Stage = "validating"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageDetecting, StageParsing, StageExplaining, StageValidating}

// Order returns the position of s in the pipeline, or -1 for an unknown stage.
func (s Stage) Order() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	return s.Order() >= 0
}

// EventKind distinguishes progress events from terminal events.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventTerminal EventKind = "terminal"
)

// TerminalOutcome is the result carried by a terminal event.
type TerminalOutcome string

const (
	OutcomeDone  TerminalOutcome = "done"
	OutcomeError TerminalOutcome = "error"
)

// ProgressEvent is a single decoded event from the analysis stream.
type ProgressEvent struct {
	Kind    EventKind
	Stage   Stage
	Outcome TerminalOutcome
	Message string

	// Set on a done terminal event.
	Payload *ExplainResponse
	Raw     json.RawMessage
}

// IsTerminal reports whether no further events follow e.
func (e ProgressEvent) IsTerminal() bool {
	return e.Kind == EventTerminal
}

// State is the observable state of one pipeline run.
type State string

const (
	StateIdle       State = "idle"
	StateDetecting  State = State(StageDetecting)
	StateParsing    State = State(StageParsing)
	StateExplaining State = State(StageExplaining)
	StateValidating State = State(StageValidating)
	StateDone       State = "done"
	StateError      State = "error"
	StateAborted    State = "aborted"
)

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateAborted
}
