// Package llm abstracts the external generation capability. The orchestrator
// talks to the Client interface only; the concrete implementation streams
// from Google Gemini.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StreamFunc receives zero or more partial text chunks before the terminal
// result. Callbacks run on the generation goroutine; keep them fast.
type StreamFunc func(chunk string)

// Result is the terminal output of one generation call.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is the generation capability consumed by the orchestrator.
type Client interface {
	// Generate renders text for the prompt, trying models in preference
	// order. It must honor ctx cancellation between chunks.
	Generate(ctx context.Context, prompt string, models []string, stream StreamFunc) (*Result, error)
	// Close releases any resources held by the client.
	Close() error
}

// Config holds client-wide defaults.
type Config struct {
	// DefaultModels is the preference list used when a stage declares
	// none.
	DefaultModels []string
	Temperature   float32
}

// DefaultConfig returns the default Gemini model preference list.
func DefaultConfig() *Config {
	return &Config{
		DefaultModels: []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		Temperature:   0.7,
	}
}

// GeminiClient implements Client on Google Gemini.
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a streaming Gemini client.
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, config: config}, nil
}

// Generate streams content from the first model in the preference list that
// succeeds. Falling through the whole list returns the last error.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, models []string, stream StreamFunc) (*Result, error) {
	if len(models) == 0 {
		models = c.config.DefaultModels
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("no model configured")
	}

	var lastErr error
	for _, name := range models {
		res, err := c.generateOne(ctx, name, prompt, stream)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Cancellation is not a reason to try the next model.
			return nil, err
		}
	}
	return nil, fmt.Errorf("all models failed, last: %w", lastErr)
}

func (c *GeminiClient) generateOne(ctx context.Context, modelName, prompt string, stream StreamFunc) (*Result, error) {
	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(c.config.Temperature)

	iter := model.GenerateContentStream(ctx, genai.Text(prompt))

	var sb strings.Builder
	res := &Result{Model: modelName}
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("model %s stream failed: %w", modelName, err)
		}
		chunk := textOf(resp)
		if chunk != "" {
			sb.WriteString(chunk)
			if stream != nil {
				stream(chunk)
			}
		}
		if resp.UsageMetadata != nil {
			res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	res.Text = sb.String()
	if res.Text == "" {
		return nil, fmt.Errorf("model %s returned no text", modelName)
	}
	return res, nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// textOf extracts the text parts of a streamed response chunk.
func textOf(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	return strings.Join(parts, "")
}
