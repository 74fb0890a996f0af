package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	MeetingID string `json:"meeting_id,omitempty"`
}

func ParseJSON(r *http.Request, model any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("missing request body")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(model); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}

// WriteMeetingError reports a failure that still left a meeting behind, so
// the caller can look it up.
func WriteMeetingError(w http.ResponseWriter, status int, meetingID string, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), MeetingID: meetingID})
}
