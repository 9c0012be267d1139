// Package openai streams chat completions from an OpenAI compatible endpoint.
package openai

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
	"sync/atomic"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Config holds configuration for the OpenAI provider.
type Config struct {
	Name         string // registered name, defaults to "openai"
	APIKey       string
	BaseURL      string // defaults to https://api.openai.com/v1
	Organization string
	// IdleTimeout bounds the silence between two stream lines.
	IdleTimeout time.Duration
	HTTPClient  *http.Client
}

// Provider sends streaming chat completion requests.
type Provider struct {
	name        string
	apiKey      string
	baseURL     string
	org         string
	idleTimeout time.Duration
	httpClient  *http.Client
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: streams are long lived and bounded by IdleTimeout.
		client = &http.Client{}
	}
	return &Provider{name: name, apiKey: cfg.APIKey, baseURL: baseURL, org: cfg.Organization, idleTimeout: idle, httpClient: client}, nil
}

func (p *Provider) Name() string { return p.name }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) buildBody(req provider.Request) ([]byte, error) {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.Prefix != "" {
		// A trailing assistant turn makes the model continue the partial answer.
		msgs = append(msgs, wireMessage{Role: string(chat.RoleAssistant), Content: req.Prefix})
	}
	payload := map[string]any{
		"model":          req.Model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	return json.Marshal(payload)
}

// Stream opens the completion stream. Errors before the first byte are
// returned directly; later failures arrive as the final event.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, chat.Errorf(chat.KindInvalidRequest, "openai: no messages provided")
	}
	body, err := p.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.org != "" {
		httpReq.Header.Set("OpenAI-Organization", p.org)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var errResp streamChunk
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai: http %d: %s (type=%s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("openai: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	out := make(chan provider.StreamEvent)
	go p.pump(ctx, cancel, resp.Body, out)
	return out, nil
}

func (p *Provider) pump(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, out chan<- provider.StreamEvent) {
	defer close(out)
	defer cancel()
	defer body.Close()

	// The idle timer cancels the request when the stream goes silent.
	var idleFired atomic.Bool
	idle := time.AfterFunc(p.idleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer idle.Stop()

	emit := func(ev provider.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		idle.Reset(p.idleTimeout)
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(provider.StreamEvent{Err: fmt.Errorf("openai: decode chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			emit(provider.StreamEvent{Err: fmt.Errorf("openai: stream error: %s (type=%s)", chunk.Error.Message, chunk.Error.Type)})
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(provider.StreamEvent{Delta: choice.Delta.Content}) {
				return
			}
		}
		if chunk.Usage != nil {
			usage := &chat.TokenCounts{Input: chunk.Usage.PromptTokens, Output: chunk.Usage.CompletionTokens}
			if !emit(provider.StreamEvent{Usage: usage}) {
				return
			}
		}
	}

	err := scanner.Err()
	switch {
	case idleFired.Load():
		err = chat.Wrap(chat.KindProviderTimeout, fmt.Errorf("openai: stream idle for %s", p.idleTimeout))
	case ctx.Err() != nil:
		return
	case err == nil:
		// EOF without [DONE] means the connection dropped mid-stream.
		err = errors.New("openai: stream ended before [DONE]")
	default:
		err = fmt.Errorf("openai: read stream: %w", err)
	}
	// ctx may already be cancelled by the idle timer; deliver the error anyway.
	select {
	case out <- provider.StreamEvent{Err: err}:
	case <-time.After(time.Second):
	}
}
