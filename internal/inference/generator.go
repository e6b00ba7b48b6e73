// ABOUTME: Generator contract and the langchaingo Ollama implementation
// ABOUTME: Prompts are plain values; only the Ollama adapter knows langchaingo types

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Speaker is the author of a prompt turn.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerAssistant
)

// Turn is one prior exchange in the conversation context.
type Turn struct {
	Speaker Speaker
	Text    string
}

// Prompt is the structured request sent to the generative backend.
type Prompt struct {
	System string
	Turns  []Turn
	Query  string
}

// Validate rejects prompts the backend cannot accept.
func (p Prompt) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return NewBackendError(ClassMalformed, errors.New("empty query"))
	}
	return nil
}

// Generator produces text for a prompt. Implementations return errors that
// Classify can sort into failure classes, or a *BackendError.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// OllamaConfig configures OllamaGenerator.
type OllamaConfig struct {
	ServerURL   string
	Model       string
	Temperature float64
}

// OllamaGenerator calls a local Ollama server through langchaingo.
type OllamaGenerator struct {
	llm         *ollama.LLM
	temperature float64
}

// NewOllamaGenerator creates a generator. No request is made until Generate.
func NewOllamaGenerator(cfg OllamaConfig) (*OllamaGenerator, error) {
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
		ollama.WithHTTPClient(&http.Client{Transport: statusTransport{base: http.DefaultTransport}}),
	}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return &OllamaGenerator{llm: llm, temperature: cfg.Temperature}, nil
}

// Generate sends the prompt as a chat exchange and returns the first choice.
func (g *OllamaGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	msgs := make([]llms.MessageContent, 0, len(p.Turns)+2)
	if p.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	for _, t := range p.Turns {
		role := llms.ChatMessageTypeHuman
		if t.Speaker == SpeakerAssistant {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, t.Text))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, p.Query))

	resp, err := g.llm.GenerateContent(ctx, msgs, llms.WithTemperature(g.temperature))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

// statusTransport classifies failed HTTP responses before the Ollama client
// tries to decode their bodies. Proxies in front of Ollama answer 502/503
// with HTML, which would otherwise surface as a JSON syntax error.
type statusTransport struct {
	base http.RoundTripper
}

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	class := statusClass(resp.StatusCode)
	if class == "" {
		return resp, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return nil, NewBackendError(class, fmt.Errorf("ollama: %s: %s", resp.Status, strings.TrimSpace(string(body))))
}

// statusClass maps an HTTP status to a failure class, or "" for success.
func statusClass(code int) Class {
	switch {
	case code < http.StatusBadRequest:
		return ""
	case code == http.StatusTooManyRequests,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return ClassBusy
	case code == http.StatusRequestTimeout:
		return ClassTimeout
	case code < http.StatusInternalServerError:
		return ClassMalformed
	}
	return ClassUnknown
}

var _ Generator = (*OllamaGenerator)(nil)
