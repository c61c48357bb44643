package engine

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var _ Engine = (*OpenAIEngine)(nil)

// OpenAIEngine talks to the OpenAI API or any server that speaks its chat
// completions and embeddings endpoints.
type OpenAIEngine struct {
	client openai.Client
}

// NewOpenAIEngine builds an engine for apiKey. An empty baseURL uses the
// public OpenAI endpoint.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{client: openai.NewClient(opts...)}
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(0),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", classify("openai chat", fmt.Errorf("no response choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, classify("openai embed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, classify("openai embed", fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, classify("openai embed", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// IsRunning lists models as a reachability and credentials probe.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.Models.List(ctx)
	return err == nil
}
