package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"
)

// DefaultAnthropicModel is used when AnthropicConfig.Model is empty.
const DefaultAnthropicModel = anthropic.ModelClaudeSonnet4_5

// LLMMetrics receives request and token usage for each model call.
type LLMMetrics interface {
	RecordAnthropicRequest(endpoint string, duration time.Duration, err error)
	RecordAnthropicTokens(inputTokens, outputTokens int64)
}

// AnthropicConfig configures an AnthropicGenerator.
type AnthropicConfig struct {
	APIKey    string // Optional, defaults to ANTHROPIC_API_KEY
	BaseURL   string // Optional, for tests and proxies
	Model     string
	MaxTokens int64
	Metrics   LLMMetrics // Optional
	Options   []option.RequestOption
}

// AnthropicGenerator implements Generator using the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	metrics   LLMMetrics
}

// NewAnthropicGenerator creates a new AnthropicGenerator.
func NewAnthropicGenerator(cfg AnthropicConfig) *AnthropicGenerator {
	opts := append([]option.RequestOption{}, cfg.Options...)
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = DefaultAnthropicModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		metrics:   cfg.Metrics,
	}
}

// Generate sends a single-turn prompt and returns the response text.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.maxTokens
	}

	// Start Sentry span for AI monitoring
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", g.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(g.model))
	span.SetData("gen_ai.request.max_tokens", maxTokens)
	span.SetData("gen_ai.request.temperature", req.Temperature)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	params := anthropic.MessageNewParams{
		Model:       g.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.SystemPrompt},
		}
	}

	start := time.Now()
	msg, err := g.client.Messages.New(ctx, params)
	if g.metrics != nil {
		g.metrics.RecordAnthropicRequest("messages", time.Since(start), err)
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	// Record token usage
	if g.metrics != nil {
		g.metrics.RecordAnthropicTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	}
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.total_tokens", msg.Usage.InputTokens+msg.Usage.OutputTokens)

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		span.Status = sentry.SpanStatusInternalError
		return "", ErrEmptyResponse
	}

	span.Status = sentry.SpanStatusOK
	return text, nil
}

// GenerateStructured asks for a JSON object described by req.Schema and decodes it into out.
func (g *AnthropicGenerator) GenerateStructured(ctx context.Context, req StructuredRequest, out any) error {
	prompt := req.Prompt
	if req.Schema != "" {
		prompt += "\n\nRespond with only a valid JSON object matching this schema:\n" + req.Schema
	}

	text, err := g.Generate(ctx, GenerateRequest{
		SystemPrompt: req.SystemPrompt,
		Prompt:       prompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return err
	}
	return DecodeStructured(text, out)
}

// FormatConversationHistory renders history as a plain transcript.
func (g *AnthropicGenerator) FormatConversationHistory(history []Message) string {
	return FormatTranscript(history)
}

// FormatTranscript renders history as "Previous conversation:" followed by one
// line per non-empty message.
func FormatTranscript(history []Message) string {
	var sb strings.Builder
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("Previous conversation:\n")
		}
		role := "User"
		if msg.Role == RoleAssistant {
			role = "Assistant"
		}
		sb.WriteString(role + ": " + msg.Content + "\n")
	}
	return sb.String()
}

// DecodeStructured extracts a JSON object from model output, tolerating
// surrounding prose and code fences.
func DecodeStructured(text string, out any) error {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end < start {
		return fmt.Errorf("%w: no JSON object in response", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// CleanSQL extracts SQL from a code block if present and trims a trailing semicolon.
func CleanSQL(response string) string {
	response = strings.TrimSpace(response)

	// Try to extract SQL from code block
	if idx := strings.Index(response, "```sql"); idx != -1 {
		start := idx + 6 // len("```sql")
		end := strings.Index(response[start:], "```")
		if end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3 // len("```")
		end := strings.Index(response[start:], "```")
		if end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	}

	response = strings.TrimSpace(response)
	response = strings.TrimSuffix(response, ";")
	return strings.TrimSpace(response)
}
