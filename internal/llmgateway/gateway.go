// Package llmgateway hides model identity from callers behind three
// operations, owns one long-lived client per model tier, meters latency and
// tokens, and enforces a per-call timeout plus a per-process token budget
// for the heavy tier.
package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/fieldledger/expensecore/internal/apierr"
)

// Tier selects which model class a call is billed and timed against.
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

// Result is the normalized record every gateway operation returns.
type Result struct {
	Value     json.RawMessage
	Usage     Usage
	ElapsedMS int64
}

// Usage meters token consumption per call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Image is a single rasterized page or photo handed to the vision-capable
// tier, as a base64-encoded data URL.
type Image struct {
	DataURL string
}

// Config configures the two client tiers.
type Config struct {
	APIKey string

	SmallModel   string
	LargeModel   string
	SmallTimeout time.Duration
	LargeTimeout time.Duration

	SmallBucketSize   int
	LargeBucketSize   int
	LargeTokenBudget  int
	BucketWaitTimeout time.Duration
}

// completer is the narrow slice of the openai client this gateway depends
// on, extracted so tests can substitute a fake instead of hitting the
// network.
type completer interface {
	Complete(ctx context.Context, model string, systemPrompt, userPrompt string, images []Image) (rawCompletion, error)
}

type rawCompletion struct {
	content string
	usage   Usage
}

// Gateway owns the singleton clients for the small and large/vision tiers.
type Gateway struct {
	client completer
	cfg    Config

	smallLimiter *rate.Limiter
	largeLimiter *rate.Limiter

	largeTokensUsed int64
}

// New constructs the Gateway's long-lived clients. Called once at boot;
// the returned Gateway is a single-owner process-wide value.
func New(cfg Config) *Gateway {
	return newWithCompleter(cfg, &openaiCompleter{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))})
}

func newWithCompleter(cfg Config, client completer) *Gateway {
	return &Gateway{
		client: client,
		cfg:    cfg,
		// Token buckets refill at the configured bucket size per minute,
		// capped at that bucket size: requests over budget wait up to
		// BucketWaitTimeout then fail with rate_limited.
		smallLimiter: rate.NewLimiter(rate.Limit(cfg.SmallBucketSize)/60, cfg.SmallBucketSize),
		largeLimiter: rate.NewLimiter(rate.Limit(cfg.LargeBucketSize)/60, cfg.LargeBucketSize),
	}
}

// ClassifySmall runs a prompt against the small-model tier, expecting JSON
// matching the caller's schema.
func (g *Gateway) ClassifySmall(ctx context.Context, systemPrompt, userPrompt string) (Result, error) {
	return g.call(ctx, TierSmall, g.cfg.SmallModel, g.cfg.SmallTimeout, systemPrompt, userPrompt, nil)
}

// AnalyzeLarge runs a prompt against the large/vision-capable tier,
// optionally attaching images.
func (g *Gateway) AnalyzeLarge(ctx context.Context, systemPrompt, userPrompt string, images []Image) (Result, error) {
	return g.call(ctx, TierLarge, g.cfg.LargeModel, g.cfg.LargeTimeout, systemPrompt, userPrompt, images)
}

// ExtractVision is an alias for AnalyzeLarge used by the OCR pipeline's
// heavy mode.
func (g *Gateway) ExtractVision(ctx context.Context, systemPrompt, userPrompt string, images []Image) (Result, error) {
	return g.AnalyzeLarge(ctx, systemPrompt, userPrompt, images)
}

func (g *Gateway) call(ctx context.Context, tier Tier, model string, timeout time.Duration, systemPrompt, userPrompt string, images []Image) (Result, error) {
	limiter := g.limiterFor(tier)

	waitCtx, cancelWait := context.WithTimeout(ctx, g.cfg.BucketWaitTimeout)
	defer cancelWait()

	if err := limiter.Wait(waitCtx); err != nil {
		return Result{}, apierr.Wrap(apierr.RateLimited, fmt.Sprintf("%s tier token bucket drained", tier), err)
	}

	if tier == TierLarge && g.largeTokensUsed >= int64(g.cfg.LargeTokenBudget) {
		return Result{}, apierr.New(apierr.RateLimited, "large-tier per-process token budget exhausted")
	}

	result, err := g.doCall(ctx, model, timeout, systemPrompt, userPrompt, images)
	if err == nil {
		if tier == TierLarge {
			g.largeTokensUsed += int64(result.Usage.TotalTokens)
		}

		return result, nil
	}

	apiErr, ok := apierr.As(err)
	if ok && apiErr.Kind == apierr.RateLimited {
		// Retry once with exponential delay on rate_limited; never retry on
		// invalid_response.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return Result{}, apierr.Wrap(apierr.UpstreamTimeout, "context canceled during backoff", ctx.Err())
		}

		result, err = g.doCall(ctx, model, timeout, systemPrompt, userPrompt, images)
		if err == nil && tier == TierLarge {
			g.largeTokensUsed += int64(result.Usage.TotalTokens)
		}

		return result, err
	}

	return Result{}, err
}

func (g *Gateway) limiterFor(tier Tier) *rate.Limiter {
	if tier == TierLarge {
		return g.largeLimiter
	}

	return g.smallLimiter
}

func (g *Gateway) doCall(ctx context.Context, model string, timeout time.Duration, systemPrompt, userPrompt string, images []Image) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()

	resp, err := g.client.Complete(callCtx, model, systemPrompt, userPrompt, images)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		if callCtx.Err() != nil {
			return Result{}, apierr.Wrap(apierr.UpstreamTimeout, "llm call exceeded wall-clock timeout", err)
		}

		if apiErr, ok := apierr.As(err); ok {
			return Result{}, apiErr
		}

		return Result{}, apierr.Wrap(apierr.UpstreamUnavailable, "llm call failed", err)
	}

	if !json.Valid([]byte(resp.content)) {
		return Result{}, apierr.New(apierr.UpstreamInvalid, "llm response was not valid json")
	}

	return Result{
		Value:     json.RawMessage(resp.content),
		Usage:     resp.usage,
		ElapsedMS: elapsed,
	}, nil
}

// openaiCompleter is the production completer, backed by the real
// github.com/openai/openai-go chat-completions client.
type openaiCompleter struct {
	client openai.Client
}

func (c *openaiCompleter) Complete(ctx context.Context, model string, systemPrompt, userPrompt string, images []Image) (rawCompletion, error) {
	content := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(userPrompt),
	}

	for _, img := range images {
		content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: img.DataURL,
		}))
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(content),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return rawCompletion{}, err
	}

	if len(resp.Choices) == 0 {
		return rawCompletion{}, apierr.New(apierr.UpstreamInvalid, "llm returned no choices")
	}

	return rawCompletion{
		content: resp.Choices[0].Message.Content,
		usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// RemainingLargeBudget reports how many tokens remain in the per-process
// heavy-tier budget, exposed for observability/metrics rows.
func (g *Gateway) RemainingLargeBudget() int64 {
	remaining := int64(g.cfg.LargeTokenBudget) - g.largeTokensUsed
	return int64(math.Max(0, float64(remaining)))
}
