package entity

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type RecordingAsset struct {
	ID              string    `json:"id"`
	SourceFilename  string    `json:"source_filename"`
	MimeType        string    `json:"mime_type"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	StorageRef      string    `json:"storage_ref"`
	CreatedAt       time.Time `json:"created_at"`
}

type Segment struct {
	StartMs      int64  `json:"start_ms"`
	EndMs        int64  `json:"end_ms"`
	SpeakerLabel string `json:"speaker_label,omitempty"`
	Text         string `json:"text"`
}

type Transcript struct {
	MeetingID string    `json:"meeting_id"`
	Language  string    `json:"language,omitempty"`
	Segments  []Segment `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
}

type ActionItem struct {
	Owner   string `json:"owner,omitempty"`
	Text    string `json:"text"`
	DueDate string `json:"due_date,omitempty"`
}

type Decision struct {
	Text string `json:"text"`
}

type Minutes struct {
	Summary     string       `json:"summary"`
	ActionItems []ActionItem `json:"action_items"`
	Decisions   []Decision   `json:"decisions"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Meeting struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
	Status      Status          `json:"status"`
	Asset       *RecordingAsset `json:"asset,omitempty"`
	Transcript  *Transcript     `json:"transcript,omitempty"`
	Minutes     *Minutes        `json:"minutes,omitempty"`
	LastError   *LastError      `json:"last_error,omitempty"`
}

type MeetingSummary struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	HasMinutes      bool       `json:"has_minutes"`
	LastErrorKind   ErrorKind  `json:"last_error_kind,omitempty"`
}

// Now is the clock used for every persisted timestamp. Postgres keeps
// microseconds, so anything finer would not survive a round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Clone returns a deep copy so callers can never mutate a stored meeting.
func (m *Meeting) Clone() *Meeting {
	if m == nil {
		return nil
	}

	out := *m
	out.ScheduledAt = cloneTime(m.ScheduledAt)
	out.ArchivedAt = cloneTime(m.ArchivedAt)

	if m.Asset != nil {
		asset := *m.Asset
		if m.Asset.DurationSeconds != nil {
			d := *m.Asset.DurationSeconds
			asset.DurationSeconds = &d
		}
		out.Asset = &asset
	}
	if m.Transcript != nil {
		t := *m.Transcript
		t.Segments = slices.Clone(m.Transcript.Segments)
		out.Transcript = &t
	}
	if m.Minutes != nil {
		mins := *m.Minutes
		mins.ActionItems = slices.Clone(m.Minutes.ActionItems)
		mins.Decisions = slices.Clone(m.Minutes.Decisions)
		out.Minutes = &mins
	}
	if m.LastError != nil {
		le := *m.LastError
		out.LastError = &le
	}

	return &out
}

// Validate checks the causal chain of artifacts against the status.
func (m *Meeting) Validate() error {
	if m.ID == "" {
		return errors.New("meeting id is empty")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("meeting %s: invalid status %q", m.ID, m.Status)
	}
	if m.Minutes != nil && m.Transcript == nil {
		return fmt.Errorf("meeting %s: minutes without transcript", m.ID)
	}
	if m.Transcript != nil && m.Asset == nil {
		return fmt.Errorf("meeting %s: transcript without asset", m.ID)
	}
	if (m.Status == Completed()) != (m.Minutes != nil) {
		return fmt.Errorf("meeting %s: status %s with minutes=%t", m.ID, m.Status, m.Minutes != nil)
	}
	if m.Status.Phase == PhaseFailed && m.LastError == nil {
		return fmt.Errorf("meeting %s: failed without last error", m.ID)
	}
	return nil
}

// ResumeStage is the first stage whose output has not been persisted.
func (m *Meeting) ResumeStage() (Stage, bool) {
	switch {
	case m.Asset == nil:
		return StageIngest, false
	case m.Transcript == nil:
		return StageTranscribe, true
	case m.Minutes == nil:
		return StageSummarize, true
	}
	return "", false
}

func (m *Meeting) Summary() MeetingSummary {
	s := MeetingSummary{
		ID:          m.ID,
		Title:       m.Title,
		Status:      m.Status.String(),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		ScheduledAt: cloneTime(m.ScheduledAt),
		ArchivedAt:  cloneTime(m.ArchivedAt),
		HasMinutes:  m.Minutes != nil,
	}
	if m.Asset != nil && m.Asset.DurationSeconds != nil {
		d := *m.Asset.DurationSeconds
		s.DurationSeconds = &d
	}
	if m.LastError != nil {
		s.LastErrorKind = m.LastError.Kind
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
