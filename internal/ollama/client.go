// Package ollama is a small client for a local Ollama server's chat API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "llama3.2"
	DefaultTemperature = 0.7
)

var ErrRequestFailed = errors.New("ollama request failed")

// Message is one role-tagged chat turn ("system", "user", "assistant").
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	// Temperature overrides the client's when set; zero is a valid value.
	Temperature *float64
}

type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *zap.Logger
}

type Options struct {
	BaseURL string
	Model   string
	// Temperature falls back to DefaultTemperature only when nil.
	Temperature *float64
	// Timeout bounds the whole request, including the streamed body. The
	// first call loads the model, so keep it generous. Zero means none.
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		logger:      logger,
	}
}

// Temperature returns a pointer to v for Options and ChatRequest.
func Temperature(v float64) *float64 {
	return &v
}

func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Available reports whether the server answers on /api/tags.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("ollama not reachable", zap.String("url", c.baseURL), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// StreamChat posts a streaming chat request and calls onDelta for every
// non-empty content delta in order. It returns the concatenated text when
// the server reports done, the body ends, or ctx is cancelled; in the last
// case the text received so far is returned together with ctx.Err().
func (c *Client) StreamChat(ctx context.Context, r ChatRequest, onDelta func(string)) (string, error) {
	body, err := json.Marshal(c.buildRequest(r))
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Debug("skipping malformed stream line", zap.ByteString("line", line), zap.Error(err))
			continue
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("%w: %s", ErrRequestFailed, chunk.Error)
		}
		if chunk.Message != nil && chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if onDelta != nil {
				onDelta(chunk.Message.Content)
			}
		}
		if chunk.Done {
			return full.String(), nil
		}
	}

	if ctx.Err() != nil {
		return full.String(), ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read chat stream: %w", err)
	}
	return full.String(), nil
}

// Complete sends a single user prompt and returns the whole reply.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	return c.StreamChat(ctx, ChatRequest{
		System:   system,
		Messages: []Message{{Role: "user", Content: prompt}},
	}, nil)
}

func (c *Client) buildRequest(r ChatRequest) chatRequest {
	model := strings.TrimSpace(r.Model)
	if model == "" {
		model = c.model
	}
	temperature := c.temperature
	if r.Temperature != nil {
		temperature = *r.Temperature
	}

	messages := make([]Message, 0, len(r.Messages)+1)
	if system := strings.TrimSpace(r.System); system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, r.Messages...)

	return chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  map[string]any{"temperature": temperature},
	}
}
