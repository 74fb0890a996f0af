package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xilidan/minutes/gateways/web/handler"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/ingest"
)

// APIError is a non-2xx answer from the web gateway.
type APIError struct {
	StatusCode int
	Message    string
	MeetingID  string
}

func (e *APIError) Error() string {
	if e.MeetingID != "" {
		return fmt.Sprintf("%s (meeting %s, HTTP %d)", e.Message, e.MeetingID, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client talks to the web gateway's JSON API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

func New(baseURL, token string, httpClient *http.Client, log *slog.Logger) *Client {
	log.Debug("creating minutes client", slog.String("base_url", baseURL), slog.Bool("token_set", token != ""))
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		log:        log,
	}
}

func (c *Client) Token(ctx context.Context, apiKey string) (*handler.TokenResponse, error) {
	var out handler.TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/token", handler.TokenRequest{APIKey: apiKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type UploadRequest struct {
	Path      string
	Title     string
	MeetingID string
}

// Upload sends a recording from disk. With a meeting id the recording is
// attached to that (scheduled) meeting.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*handler.StartResponse, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if req.Title != "" {
		if err := mw.WriteField(consts.FormTitle, req.Title); err != nil {
			return nil, err
		}
	}

	filename := filepath.Base(req.Path)
	contentType := ingest.GuessMimeType(filename)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, consts.FormFile, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(part, f)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	path := "/api/v1/meetings"
	if req.MeetingID != "" {
		path = "/api/v1/meetings/" + url.PathEscape(req.MeetingID) + "/recording"
	}
	c.log.Debug("uploading recording", slog.String("file", filename), slog.Int64("size_bytes", n))

	var out handler.StartResponse
	if err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Schedule(ctx context.Context, title string, at time.Time) (*entity.Meeting, error) {
	var out entity.Meeting
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/meetings/scheduled", handler.ScheduleRequest{Title: title, ScheduledAt: at}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, filter entity.Filter) (*handler.ListResponse, error) {
	path := "/api/v1/meetings"
	if filter != "" {
		path += "?" + url.Values{"filter": []string{string(filter)}}.Encode()
	}
	var out handler.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, meetingID string) (*entity.Meeting, error) {
	var out entity.Meeting
	if err := c.doJSON(ctx, http.MethodGet, meetingPath(meetingID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, meetingID string) (*handler.StatusResponse, error) {
	var out handler.StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, meetingPath(meetingID, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retry(ctx context.Context, meetingID string) (*handler.StartResponse, error) {
	var out handler.StartResponse
	if err := c.doJSON(ctx, http.MethodPost, meetingPath(meetingID, "retry"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, meetingID string) error {
	return c.doJSON(ctx, http.MethodPost, meetingPath(meetingID, "cancel"), nil, nil)
}

func (c *Client) Archive(ctx context.Context, meetingID string) (*entity.MeetingSummary, error) {
	var out entity.MeetingSummary
	if err := c.doJSON(ctx, http.MethodPost, meetingPath(meetingID, "archive"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unarchive(ctx context.Context, meetingID string) (*entity.MeetingSummary, error) {
	var out entity.MeetingSummary
	if err := c.doJSON(ctx, http.MethodPost, meetingPath(meetingID, "unarchive"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func meetingPath(meetingID, action string) string {
	p := "/api/v1/meetings/" + url.PathEscape(meetingID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug("sending request", slog.String("method", method), slog.String("path", path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	c.log.Debug("response received", slog.Int("status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error     string `json:"error"`
		MeetingID string `json:"meeting_id"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.MeetingID = body.MeetingID
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
