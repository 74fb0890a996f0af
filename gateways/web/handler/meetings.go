package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xilidan/minutes/pkg/json"
	"github.com/xilidan/minutes/pkg/logger"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/ingest"
)

// multipart parts beyond the file itself
const formOverhead = 1 << 20

type (
	StartResponse struct {
		MeetingID string `json:"meeting_id"`
		Title     string `json:"title"`
		Status    string `json:"status"`
	}

	ScheduleRequest struct {
		Title       string    `json:"title"`
		ScheduledAt time.Time `json:"scheduled_at"`
	}

	ListResponse struct {
		Filter   entity.Filter           `json:"filter"`
		Meetings []entity.MeetingSummary `json:"meetings"`
	}

	StatusResponse struct {
		MeetingID string            `json:"meeting_id"`
		Status    string            `json:"status"`
		Phase     entity.Phase      `json:"phase"`
		Stage     entity.Stage      `json:"stage,omitempty"`
		LastError *entity.LastError `json:"last_error,omitempty"`
		Reason    string            `json:"reason,omitempty"`
	}
)

// UploadHandler accepts a multipart recording and starts a new meeting.
func (h *handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "")
}

// RecordingHandler attaches a recording to an existing (usually scheduled)
// meeting.
func (h *handler) RecordingHandler(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, chi.URLParam(r, "id"))
}

func (h *handler) start(w http.ResponseWriter, r *http.Request, meetingID string) {
	ctx := r.Context()

	var m *entity.Meeting
	req, err := h.readUpload(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			json.WriteError(w, http.StatusBadRequest, err)
			return
		}
		// the body was cut off, so the meeting is failed without its bytes
		m, err = h.usecase.Reject(ctx, &entity.StartRequest{MeetingID: meetingID},
			fmt.Errorf("%w: upload exceeds %d bytes", entity.ErrPayloadTooLarge, h.cfg.MaxUpload))
	} else {
		if meetingID != "" {
			req.MeetingID = meetingID
		}
		m, err = h.usecase.Start(ctx, req)
	}
	if err != nil {
		logger.Debug(ctx, "upload rejected", slog.String("error", err.Error()))
		if m != nil {
			json.WriteMeetingError(w, httpStatus(err), m.ID, err)
			return
		}
		h.writeError(ctx, w, err)
		return
	}

	json.WriteJSON(w, http.StatusAccepted, StartResponse{
		MeetingID: m.ID,
		Title:     m.Title,
		Status:    m.Status.String(),
	})
}

func (h *handler) readUpload(w http.ResponseWriter, r *http.Request) (*entity.StartRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUpload+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("failed to parse multipart form: %w", err)
	}

	file, header, err := r.FormFile(consts.FormFile)
	if err != nil {
		return nil, fmt.Errorf("missing %q part: %w", consts.FormFile, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := ingest.GuessMimeType(header.Filename); byExt != "" {
			mimeType = byExt
		}
	}

	return &entity.StartRequest{
		MeetingID: r.FormValue(consts.FormMeetingID),
		Title:     r.FormValue(consts.FormTitle),
		Filename:  header.Filename,
		MimeType:  mimeType,
		Data:      data,
	}, nil
}

func (h *handler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.ParseJSON(r, &req); err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.ScheduledAt.IsZero() {
		json.WriteError(w, http.StatusBadRequest, errors.New("scheduled_at is required"))
		return
	}

	m, err := h.usecase.Schedule(r.Context(), &entity.ScheduleRequest{
		Title:       req.Title,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	json.WriteJSON(w, http.StatusCreated, m)
}

func (h *handler) ListHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := entity.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}

	meetings, err := h.usecase.List(r.Context(), filter)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	resp := ListResponse{Filter: filter, Meetings: make([]entity.MeetingSummary, 0, len(meetings))}
	for _, m := range meetings {
		resp.Meetings = append(resp.Meetings, m.Summary())
	}
	json.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) GetHandler(w http.ResponseWriter, r *http.Request) {
	m, err := h.usecase.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	json.WriteJSON(w, http.StatusOK, m)
}

func (h *handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meetingID := chi.URLParam(r, "id")

	st, err := h.usecase.Status(ctx, meetingID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	resp := StatusResponse{
		MeetingID: meetingID,
		Status:    st.String(),
		Phase:     st.Phase,
		Stage:     st.Stage,
	}
	if st.Phase == entity.PhaseFailed {
		m, err := h.usecase.Get(ctx, meetingID)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		resp.LastError = m.LastError
		if m.LastError != nil {
			resp.Reason = m.LastError.Kind.Reason()
		}
	}
	json.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	m, err := h.usecase.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	json.WriteJSON(w, http.StatusAccepted, StartResponse{
		MeetingID: m.ID,
		Title:     m.Title,
		Status:    m.Status.String(),
	})
}

func (h *handler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	meetingID := chi.URLParam(r, "id")
	if err := h.usecase.Cancel(r.Context(), meetingID); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	m, err := h.usecase.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	json.WriteJSON(w, http.StatusOK, m.Summary())
}

func (h *handler) UnarchiveHandler(w http.ResponseWriter, r *http.Request) {
	m, err := h.usecase.Unarchive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	json.WriteJSON(w, http.StatusOK, m.Summary())
}

func (h *handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	json.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
