// Package openai adapts sashabaranov/go-openai to the provider.LLMProvider
// and embedding.Embedder interfaces, wrapped in the same circuit-breaker
// and retry shape used throughout the rest of this module.
package openai

import (
	"context"
	"fmt"
	"time"

	oai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/provider"
	"github.com/nl2sql/backend/pkg/circuitbreaker"
	"github.com/nl2sql/backend/pkg/logger"
	"github.com/nl2sql/backend/pkg/retry"
)

type Client struct {
	client         *oai.Client
	model          string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Options struct {
	APIKey         string
	Endpoint       string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

func New(opts Options) *Client {
	config := oai.DefaultConfig(opts.APIKey)
	if opts.Endpoint != "" {
		config.BaseURL = opts.Endpoint
	}
	client := oai.NewClientWithConfig(config)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(opts.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	logger.Info("openai provider initialized", zap.String("model", opts.Model), zap.String("embedding_model", opts.EmbeddingModel))

	return &Client{
		client:         client,
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		embeddingDim:   opts.EmbeddingDim,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func toOAIMessages(msgs []provider.ChatMessage) []oai.ChatCompletionMessage {
	out := make([]oai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := oai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oai.ToolCall{
				ID:   tc.ID,
				Type: oai.ToolTypeFunction,
				Function: oai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOAITools(specs []provider.ToolSpec) []oai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]oai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, oai.Tool{
			Type: oai.ToolTypeFunction,
			Function: oai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func fromOAIToolCalls(calls []oai.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, provider.ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return out
}

func (c *Client) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var result provider.ChatResponse
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, oai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    toOAIMessages(req.Messages),
				Tools:       toOAITools(req.Tools),
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return fmt.Errorf("chat completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("chat completion: no choices returned")
			}
			choice := resp.Choices[0]
			result = provider.ChatResponse{
				Content:   choice.Message.Content,
				ToolCalls: fromOAIToolCalls(choice.Message.ToolCalls),
				Usage: provider.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return provider.ChatResponse{}, err
	}
	return result, nil
}

// ChatStream streams deltas from the chat completion; tool calls are
// buffered until the stream closes and emitted whole on the final delta,
// since partial tool-call JSON is not actionable mid-stream.
func (c *Client) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatDelta, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, oai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOAIMessages(req.Messages),
		Tools:       toOAITools(req.Tools),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}

	out := make(chan provider.ChatDelta)
	go func() {
		defer close(out)
		defer stream.Close()

		toolCallsByIndex := map[int]*oai.ToolCall{}
		var order []int

		for {
			resp, err := stream.Recv()
			if err != nil {
				if len(toolCallsByIndex) > 0 {
					calls := make([]oai.ToolCall, 0, len(order))
					for _, idx := range order {
						calls = append(calls, *toolCallsByIndex[idx])
					}
					select {
					case out <- provider.ChatDelta{ToolCalls: fromOAIToolCalls(calls), Done: true}:
					case <-ctx.Done():
					}
				} else {
					select {
					case out <- provider.ChatDelta{Done: true}:
					case <-ctx.Done():
					}
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- provider.ChatDelta{ContentDelta: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := toolCallsByIndex[idx]
				if !ok {
					existing = &oai.ToolCall{ID: tc.ID, Type: oai.ToolTypeFunction}
					toolCallsByIndex[idx] = existing
					order = append(order, idx)
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
	}()
	return out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, oai.EmbeddingRequest{
				Input: []string{text},
				Model: oai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("generate embedding: no data returned")
			}
			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

func (c *Client) Dim() int { return c.embeddingDim }
