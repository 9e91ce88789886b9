package narrative

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

const DefaultModel = "claude-sonnet-4-5"

// DefaultPrompts returns the embedded prompt templates.
func DefaultPrompts() Prompts {
	var p Prompts
	if err := yaml.Unmarshal(defaultPromptsYAML, &p); err != nil {
		panic(fmt.Sprintf("narrative: invalid embedded prompts: %v", err))
	}
	return p
}

// LLMClient completes a single prompt.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnthropicLLMClient implements LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	log       *slog.Logger
}

// NewAnthropicLLMClient creates a client. Without options the API key is read
// from ANTHROPIC_API_KEY.
func NewAnthropicLLMClient(log *slog.Logger, model string, maxTokens int64, opts ...option.RequestOption) *AnthropicLLMClient {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		log:       log,
	}
}

func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	if err != nil {
		c.log.Error("narrative: anthropic call failed", "duration", duration, "error", err)
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	c.log.Debug("narrative: anthropic call completed",
		"duration", duration,
		"stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
	)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

// LLMEnricher asks a model to rewrite announcements.
type LLMEnricher struct {
	llm       LLMClient
	system    string
	user      *template.Template
	maxLength int
}

func NewLLMEnricher(llm LLMClient, prompts Prompts, maxLength int) (*LLMEnricher, error) {
	user, err := template.New("user").Option("missingkey=error").Parse(prompts.User)
	if err != nil {
		return nil, fmt.Errorf("invalid user prompt template: %w", err)
	}
	if maxLength <= 0 {
		maxLength = announce.ShortFormLimit
	}
	return &LLMEnricher{llm: llm, system: prompts.System, user: user, maxLength: maxLength}, nil
}

type promptData struct {
	Base          string
	CurrentEvent  string
	InnerDialogue string
	MaxLength     int
}

// Enrich tolerates partial context; missing fields are rendered as "(none)".
func (e *LLMEnricher) Enrich(ctx context.Context, base string, nc Context) (string, error) {
	data := promptData{
		Base:          base,
		CurrentEvent:  orNone(nc.CurrentEvent),
		InnerDialogue: orNone(nc.InnerDialogue),
		MaxLength:     e.maxLength,
	}
	var buf bytes.Buffer
	if err := e.user.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	out, err := e.llm.Complete(ctx, e.system, buf.String())
	if err != nil {
		return "", err
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return announce.Truncate(out, e.maxLength), nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
