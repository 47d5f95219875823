package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"

	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/pkg/limiter"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/pkg/metrics"
	"github.com/alignedwithwhat/engine/pkg/tokens"
	"github.com/alignedwithwhat/engine/pkg/tracing"
)

// OpenRouterConfig holds gateway configuration.
type OpenRouterConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	DefaultRPM     float64
	ModelRPM       map[string]float64
	Retry          *limiter.RetryConfig
}

// OpenRouterGateway implements Gateway against any OpenAI-compatible
// endpoint. Each invocation passes the per-model rate limiter, then
// the circuit breaker, then the retry loop.
type OpenRouterGateway struct {
	client    *openai.Client
	cfg       OpenRouterConfig
	retry     *limiter.RetryManager
	rates     *limiter.RateLimiter
	breakers  *limiter.CircuitBreakerManager
	estimator *tokens.Estimator
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics
	tracer    *tracing.Tracer
}

// NewOpenRouterGateway creates a gateway. Metrics and tracer may be
// nil; logging may not.
func NewOpenRouterGateway(cfg OpenRouterConfig, logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) *OpenRouterGateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}

	g := &OpenRouterGateway{
		client:    openai.NewClientWithConfig(clientCfg),
		cfg:       cfg,
		rates:     limiter.NewRateLimiter(cfg.DefaultRPM),
		estimator: tokens.NewEstimator(),
		logger:    logger,
		metrics:   m,
		tracer:    tracer,
	}
	g.retry = limiter.NewRetryManager(cfg.Retry, Retryable)
	g.breakers = limiter.NewCircuitBreakerManager(func(name string, from, to gobreaker.State) {
		logger.LogCircuitBreaker(context.Background(), name, from.String(), to.String())
		if m != nil && to == gobreaker.StateOpen {
			m.RecordCircuitOpen(name)
		}
	})
	return g
}

// Invoke dispatches one prompt and classifies any failure.
func (g *OpenRouterGateway) Invoke(ctx context.Context, model, system, prompt string, params Params) (*Completion, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.StartSpan(ctx, "provider.invoke")
		defer span.End()
	}

	if err := g.rates.Wait(ctx, model, g.cfg.ModelRPM[model]); err != nil {
		return nil, NewError(KindOf(err), model, 0, err)
	}

	start := time.Now()
	attempt := 0
	result, err := g.retry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		attempt++
		if attempt > 1 {
			g.logger.LogRetry(ctx, model, "provider_error", attempt-1)
			if g.metrics != nil {
				g.metrics.RecordRetry(model, "provider_error")
			}
		}
		return g.breakers.Execute(ctx, model, func() (interface{}, error) {
			return g.call(ctx, model, system, prompt, params)
		})
	})
	latency := time.Since(start)

	if g.metrics != nil {
		g.metrics.RecordDispatchLatency(model, latency)
	}

	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordDispatch(model, "error")
		}
		kind := KindOf(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			kind = core.ErrKindRateLimited
		}
		return nil, NewError(kind, model, 0, err)
	}

	comp := result.(*Completion)
	comp.Latency = latency
	if g.metrics != nil {
		g.metrics.RecordDispatch(model, "ok")
		g.metrics.RecordTokens(model, comp.PromptTokens, comp.CompletionTokens)
	}
	return comp, nil
}

func (g *OpenRouterGateway) call(ctx context.Context, model, system, prompt string, params Params) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	request := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Seed:        params.Seed,
	}

	response, err := g.client.CreateChatCompletion(callCtx, request)
	if err != nil {
		return nil, classify(model, err)
	}

	if len(response.Choices) == 0 {
		return nil, NewError(core.ErrKindMalformedOutput, model, 0,
			fmt.Errorf("completion returned no choices"))
	}

	choice := response.Choices[0]
	comp := &Completion{
		Text:             choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		TotalTokens:      response.Usage.TotalTokens,
		Model:            model,
	}

	// Some OpenAI-compatible backends omit usage; estimate so token
	// accounting stays populated.
	if comp.TotalTokens == 0 {
		comp.PromptTokens = g.estimator.CountAll(system, prompt)
		comp.CompletionTokens = g.estimator.Count(comp.Text)
		comp.TotalTokens = comp.PromptTokens + comp.CompletionTokens
	}

	return comp, nil
}

// classify maps transport and API errors onto the engine's error
// taxonomy.
func classify(model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(core.ErrKindTimeout, model, 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return NewError(core.ErrKindRateLimited, model, apiErr.HTTPStatusCode, err)
		case apiErr.HTTPStatusCode == http.StatusNotFound,
			apiErr.HTTPStatusCode == http.StatusBadRequest && mentionsModel(apiErr.Message):
			return NewError(core.ErrKindInvalidModel, model, apiErr.HTTPStatusCode, err)
		case apiErr.HTTPStatusCode >= 500:
			return NewError(core.ErrKindTransportFailure, model, apiErr.HTTPStatusCode, err)
		default:
			return NewError(core.ErrKindMalformedOutput, model, apiErr.HTTPStatusCode, err)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return NewError(core.ErrKindRateLimited, model, reqErr.HTTPStatusCode, err)
		}
		return NewError(core.ErrKindTransportFailure, model, reqErr.HTTPStatusCode, err)
	}

	return NewError(core.ErrKindTransportFailure, model, 0, err)
}

func mentionsModel(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "model")
}
