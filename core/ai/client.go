// Package ai orchestrates the external language provider: translation over
// chat completions, speech-to-text over audio transcription, and
// text-to-speech over speech synthesis, against any OpenAI-compatible API.
//
// The orchestrators are cache-first and make exactly one provider attempt
// per call; retry policy belongs to callers, and the coordinator chooses
// graceful degradation over retries.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Default model names, overridable via ClientConfig.
const (
	DefaultChatModel = "gpt-4o-mini"
	DefaultSTTModel  = "whisper-1"
	DefaultTTSModel  = "tts-1"
)

// ClientConfig configures a provider Client.
type ClientConfig struct {
	// BaseURL of the provider API, without a trailing slash
	// (e.g. "https://api.openai.com").
	BaseURL string
	// APIKey is sent as a bearer credential.
	APIKey string
	// ChatModel, STTModel, TTSModel override the default model names.
	ChatModel string
	STTModel  string
	TTSModel  string
	// HTTPClient overrides the default client (30 s timeout). Per-call
	// deadlines still come from the caller's context.
	HTTPClient *http.Client
}

// Client issues raw HTTP calls to the provider. It holds no retry or cache
// logic; see Gateway.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.STTModel == "" {
		cfg.STTModel = DefaultSTTModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ChatCompletion sends a system+user prompt pair and returns the first
// choice's content.
func (c *Client) ChatCompletion(ctx context.Context, system, user string, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.ChatModel,
		Temperature: temperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	data, err := c.post(ctx, "/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcription uploads audio bytes as multipart form data and returns the
// transcript. lang may be empty for provider-side detection.
func (c *Client) Transcription(ctx context.Context, audio []byte, lang string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio.webm")
	if err != nil {
		return "", fmt.Errorf("building transcription form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio part: %w", err)
	}
	if err := mw.WriteField("model", c.cfg.STTModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("writing language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalizing transcription form: %w", err)
	}

	data, err := c.post(ctx, "/v1/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	var parsed transcriptionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding transcription response: %w", err)
	}
	return parsed.Text, nil
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Speech synthesizes text with the given voice, returning raw audio bytes.
func (c *Client) Speech(ctx context.Context, text, voice string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model: c.cfg.TTSModel,
		Input: text,
		Voice: voice,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding speech request: %w", err)
	}
	return c.post(ctx, "/v1/audio/speech", "application/json", bytes.NewReader(body))
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d for %s", resp.StatusCode, path)
	}
	return data, nil
}
