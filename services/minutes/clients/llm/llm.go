package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xilidan/minutes/pkg/tracing"
	"github.com/xilidan/minutes/services/minutes/consts"
	"github.com/xilidan/minutes/services/minutes/entity"
)

const (
	messagesPath     = "/v1/messages"
	anthropicVersion = "2023-06-01"
)

const minutesFormat = `Respond with a single JSON object and nothing else:
{"summary": string, "action_items": [{"owner": string, "text": string, "due_date": string}], "decisions": [{"text": string}]}
Leave owner or due_date empty when the transcript does not say. Use empty lists when there are none.`

var systemPrompts = map[entity.SummaryMode]string{
	entity.SummaryFull: "You write meeting minutes from a timestamped transcript. " +
		"Summarize the discussion, list action items with their owners and due dates, and list the decisions taken.\n" + minutesFormat,
	entity.SummaryChunk: "You write partial meeting minutes from one part of a longer timestamped transcript. " +
		"Cover only what is said in this part.\n" + minutesFormat,
	entity.SummaryMerge: "You merge several partial meeting minutes of the same meeting, given in order, into one set of minutes. " +
		"Combine the summaries into one, keep every distinct action item and decision, and drop duplicates.\n" + minutesFormat,
}

var userPrefixes = map[entity.SummaryMode]string{
	entity.SummaryFull:  "Here is the meeting transcript:\n\n",
	entity.SummaryChunk: "Here is the transcript part:\n\n",
	entity.SummaryMerge: "Here are the partial minutes, one JSON object per part:\n\n",
}

// Client talks to an Anthropic compatible messages endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	tracer     *tracing.Tracer
	log        *slog.Logger
}

type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	log.Debug("creating llm client",
		slog.String("base_url", cfg.BaseURL),
		slog.String("model", cfg.Model),
		slog.Bool("api_key_set", cfg.APIKey != ""))
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: httpClient,
		tracer:     tracing.New(),
		log:        log,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Summarize sends text with the prompt of req.Mode and returns the raw
// model output.
func (c *Client) Summarize(ctx context.Context, req *entity.SummarizationRequest) (res *entity.SummarizationResult, err error) {
	ctx, span := c.tracer.StartCapabilitySpan(ctx, consts.CapabilityLLM, c.model)
	defer func() { tracing.End(span, err) }()

	system, ok := systemPrompts[req.Mode]
	if !ok {
		return nil, &entity.CapabilityError{
			Capability: consts.CapabilityLLM,
			Code:       "bad_request",
			Err:        fmt.Errorf("unknown summary mode %q", req.Mode),
		}
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages: []message{
			{Role: "user", Content: userPrefixes[req.Mode] + req.Text},
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	c.log.Debug("sending summarization request",
		slog.String("mode", string(req.Mode)),
		slog.Int("input_chars", len(req.Text)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &entity.CapabilityError{Capability: consts.CapabilityLLM, Code: "network", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &entity.CapabilityError{Capability: consts.CapabilityLLM, Code: "network", Retryable: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("summarization request rejected", slog.Int("status", resp.StatusCode))
		return nil, entity.NewHTTPError(consts.CapabilityLLM, resp.StatusCode, respBody)
	}

	var mr messagesResponse
	if err := json.Unmarshal(respBody, &mr); err != nil {
		return nil, &entity.CapabilityError{Capability: consts.CapabilityLLM, Code: "malformed_response", Err: err}
	}

	var out strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(out.String()) == "" {
		return nil, &entity.CapabilityError{
			Capability: consts.CapabilityLLM,
			Code:       "empty_response",
			Retryable:  true,
			Err:        errors.New("empty response from model"),
		}
	}

	c.log.Debug("summarization received",
		slog.String("stop_reason", mr.StopReason),
		slog.Int("output_chars", out.Len()))
	return &entity.SummarizationResult{Output: out.String()}, nil
}
