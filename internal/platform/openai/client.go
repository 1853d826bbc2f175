package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// Request is one text generation call. Backend selects the ladder entry; Model overrides its model.
type Request struct {
	Backend         string
	Model           string
	System          string
	User            string
	MaxOutputTokens int
}

type Result struct {
	Text             string
	Backend          string
	Model            string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

type client struct {
	log   *logger.Logger
	name  string
	model string
	sdk   openai.Client
}

// NewClient builds a chat completions client for one backend of the ladder.
func NewClient(log *logger.Logger, name, model string, cfg Config) Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &client{
		log:   log.With("client", "OpenAI", "backend", name),
		name:  name,
		model: model,
		sdk:   openai.NewClient(opts...),
	}
}

func (c *client) Generate(ctx context.Context, req Request) (Result, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	ctx, span := otel.Tracer("bookgen/openai").Start(ctx, "openai.chat.completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", c.name),
		attribute.String("llm.model", model),
		attribute.Int("llm.max_output_tokens", req.MaxOutputTokens),
	)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		err = mapOpenAIError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		err := types.Classified(types.ClassContentShape, fmt.Errorf("empty output: no choices returned by %s", model))
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	choice := resp.Choices[0]
	out := Result{
		Text:             choice.Message.Content,
		Backend:          c.name,
		Model:            model,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	span.SetAttributes(
		attribute.String("llm.finish_reason", out.FinishReason),
		attribute.Int64("llm.completion_tokens", out.CompletionTokens),
	)
	c.log.Debug("generation finished",
		"model", model,
		"finish_reason", out.FinishReason,
		"completion_tokens", out.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if out.FinishReason == "length" {
		return out, types.Classified(types.ClassContentShape,
			fmt.Errorf("truncated output: finish_reason=length at %d tokens", req.MaxOutputTokens))
	}
	return out, nil
}

// mapOpenAIError pins the error class from what the API or the transport reported.
func mapOpenAIError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.Classified(types.ClassTimeout, fmt.Errorf("openai call timed out: %w", err))
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return types.Classified(types.ClassTransient, fmt.Errorf("openai transport: %w", err))
	}
	wrapped := fmt.Errorf("openai error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized,
		apiErr.StatusCode == http.StatusForbidden,
		apiErr.StatusCode == http.StatusNotFound:
		return types.Classified(types.ClassPermanent, wrapped)
	case apiErr.StatusCode == http.StatusRequestTimeout:
		return types.Classified(types.ClassTimeout, wrapped)
	case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
		return types.Classified(types.ClassTransient, wrapped)
	case apiErr.StatusCode == http.StatusBadRequest, apiErr.StatusCode == http.StatusUnprocessableEntity:
		return types.Classified(types.ClassContentShape, wrapped)
	default:
		return wrapped
	}
}
