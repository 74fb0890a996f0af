package handler

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xilidan/minutes/pkg/json"
	"github.com/xilidan/minutes/services/minutes/entity"
)

const keepAliveInterval = 15 * time.Second

// EventsHandler streams status events of one meeting as server-sent events.
// The stream starts with the current status and ends once the meeting
// settles.
func (h *handler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meetingID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		json.WriteError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, cancel, err := h.usecase.Subscribe(ctx, meetingID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	defer cancel()

	m, err := h.usecase.Get(ctx, meetingID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, entity.NewStatusEvent(m)); err != nil {
		return
	}
	flusher.Flush()
	if settled(m.Status.Phase) {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if settled(ev.Phase) {
				return
			}
		}
	}
}

func settled(p entity.Phase) bool {
	return p == entity.PhaseCompleted || p == entity.PhaseFailed
}

func writeEvent(w http.ResponseWriter, ev entity.StatusEvent) error {
	data, err := stdjson.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
