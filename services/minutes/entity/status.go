package entity

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

type Stage string

// StageIngest only labels failures. Ingestion runs while the meeting is
// uploading, so no status carries it.
const (
	StageIngest     Stage = "ingest"
	StageTranscribe Stage = "transcribe"
	StageSummarize  Stage = "summarize"
)

// Status is the ProcessingStatus of a meeting. Stage is only set while
// Phase is PhaseProcessing.
type Status struct {
	Phase Phase `json:"phase"`
	Stage Stage `json:"stage,omitempty"`
}

func Pending() Status   { return Status{Phase: PhasePending} }
func Uploading() Status { return Status{Phase: PhaseUploading} }
func Completed() Status { return Status{Phase: PhaseCompleted} }
func Failed() Status    { return Status{Phase: PhaseFailed} }

func Processing(stage Stage) Status {
	return Status{Phase: PhaseProcessing, Stage: stage}
}

func (s Status) String() string {
	if s.Phase == PhaseProcessing {
		return fmt.Sprintf("processing(%s)", s.Stage)
	}
	return string(s.Phase)
}

// IsTerminal reports whether no pipeline run can move the status further
// without an explicit start or retry.
func (s Status) IsTerminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

// IsActive reports whether a pipeline run owns the meeting.
func (s Status) IsActive() bool {
	return s.Phase == PhaseUploading || s.Phase == PhaseProcessing
}

// Rank orders statuses along the canonical chain. Failed has no rank.
func (s Status) Rank() int {
	switch s.Phase {
	case PhasePending:
		return 0
	case PhaseUploading:
		return 1
	case PhaseProcessing:
		switch s.Stage {
		case StageTranscribe:
			return 2
		case StageSummarize:
			return 3
		}
	case PhaseCompleted:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from s to next is an edge of the
// processing state machine.
func (s Status) CanTransition(next Status) bool {
	if next.Phase == PhaseFailed {
		return s.IsActive()
	}

	switch s.Phase {
	case PhasePending, PhaseCompleted:
		return next == Uploading()
	case PhaseFailed:
		return next == Uploading() ||
			next == Processing(StageTranscribe) ||
			next == Processing(StageSummarize)
	case PhaseUploading:
		return next == Processing(StageTranscribe)
	case PhaseProcessing:
		switch s.Stage {
		case StageTranscribe:
			return next == Processing(StageSummarize)
		case StageSummarize:
			return next == Completed()
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s.Phase {
	case PhasePending, PhaseUploading, PhaseCompleted, PhaseFailed:
		return s.Stage == ""
	case PhaseProcessing:
		return s.Stage == StageTranscribe || s.Stage == StageSummarize
	}
	return false
}

// ParseStatus accepts both the String form ("processing(summarize)") and a
// bare phase name.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	var st Status
	if rest, ok := strings.CutPrefix(v, string(PhaseProcessing)+"("); ok && strings.HasSuffix(rest, ")") {
		st = Processing(Stage(strings.TrimSuffix(rest, ")")))
	} else {
		st = Status{Phase: Phase(v)}
	}
	if !st.Valid() {
		return Status{}, fmt.Errorf("invalid processing status %q", v)
	}
	return st, nil
}
