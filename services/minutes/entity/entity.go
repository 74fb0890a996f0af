package entity

import (
	"io"
	"time"
)

type StartRequest struct {
	MeetingID   string
	Title       string
	Filename    string
	MimeType    string
	ScheduledAt *time.Time
	Data        []byte
}

type ScheduleRequest struct {
	Title       string
	ScheduledAt time.Time
}

type IngestRequest struct {
	Data     []byte
	MimeType string
	Filename string
}

type TranscriptionRequest struct {
	Audio    io.Reader
	Filename string
	MimeType string
	Language string
}

type TranscriptionResult struct {
	Language string
	Segments []Segment
}

type SummaryMode string

const (
	SummaryFull  SummaryMode = "full"
	SummaryChunk SummaryMode = "chunk"
	SummaryMerge SummaryMode = "merge"
)

type SummarizationRequest struct {
	Mode SummaryMode
	Text string
}

type SummarizationResult struct {
	Output string
}

// StatusEvent is published after every committed transition.
type StatusEvent struct {
	MeetingID  string     `json:"meeting_id"`
	Status     string     `json:"status"`
	Phase      Phase      `json:"phase"`
	Stage      Stage      `json:"stage,omitempty"`
	LastError  *LastError `json:"last_error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func NewStatusEvent(m *Meeting) StatusEvent {
	ev := StatusEvent{
		MeetingID:  m.ID,
		Status:     m.Status.String(),
		Phase:      m.Status.Phase,
		Stage:      m.Status.Stage,
		OccurredAt: m.UpdatedAt,
	}
	if m.LastError != nil {
		le := *m.LastError
		ev.LastError = &le
	}
	return ev
}
