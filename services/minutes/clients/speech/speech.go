package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/xilidan/minutes/pkg/tracing"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
)

const transcriptionsPath = "/v1/audio/transcriptions"

// Client talks to an OpenAI compatible speech-to-text endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	tracer     *tracing.Tracer
	log        *slog.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log.Debug("creating speech client",
		slog.String("base_url", cfg.BaseURL),
		slog.String("model", cfg.Model),
		slog.Bool("api_key_set", cfg.APIKey != ""))
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: httpClient,
		tracer:     tracing.New(),
		log:        log,
	}
}

type verboseResponse struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Text    string  `json:"text"`
		Speaker string  `json:"speaker"`
	} `json:"segments"`
}

// Transcribe uploads one audio file and returns its timed segments.
func (c *Client) Transcribe(ctx context.Context, req *entity.TranscriptionRequest) (res *entity.TranscriptionResult, err error) {
	ctx, span := c.tracer.StartCapabilitySpan(ctx, consts.CapabilitySpeech, c.model)
	defer func() { tracing.End(span, err) }()

	body, contentType, err := c.buildForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transcriptionsPath, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Debug("sending transcription request",
		slog.String("filename", req.Filename),
		slog.Int("body_bytes", body.Len()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(consts.CapabilitySpeech, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(consts.CapabilitySpeech, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("transcription request rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(respBody, 200)))
		return nil, entity.NewHTTPError(consts.CapabilitySpeech, resp.StatusCode, respBody)
	}

	var vr verboseResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, &entity.CapabilityError{
			Capability: consts.CapabilitySpeech,
			Code:       "malformed_response",
			Err:        err,
		}
	}

	res = &entity.TranscriptionResult{Language: vr.Language}
	for _, s := range vr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, entity.Segment{
			StartMs:      toMillis(s.Start),
			EndMs:        toMillis(s.End),
			SpeakerLabel: s.Speaker,
			Text:         text,
		})
	}
	if len(vr.Segments) == 0 && strings.TrimSpace(vr.Text) != "" {
		res.Segments = []entity.Segment{{Text: strings.TrimSpace(vr.Text)}}
	}

	c.log.Debug("transcription received",
		slog.String("language", res.Language),
		slog.Int("segments", len(res.Segments)))
	return res, nil
}

func (c *Client) buildForm(req *entity.TranscriptionRequest) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", c.model); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", err
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return nil, "", err
		}
	}

	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if req.MimeType != "" {
		header.Set("Content-Type", req.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	fw, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, req.Audio); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

// transportError marks failures below HTTP as transient unless the caller
// gave up on the request.
func transportError(capability string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &entity.CapabilityError{
		Capability: capability,
		Code:       "network",
		Retryable:  true,
		Err:        err,
	}
}

func toMillis(sec float64) int64 {
	if sec < 0 || math.IsNaN(sec) {
		return 0
	}
	return int64(math.Round(sec * 1000))
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
