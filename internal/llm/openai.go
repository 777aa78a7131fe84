package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const systemPrompt = "You are a voice assistant running on a small speaker. " +
	"Answer in a few short spoken sentences without markdown or lists."

// OpenAIStreamer talks to an OpenAI-compatible chat completion endpoint and
// regroups streamed deltas into sentences.
type OpenAIStreamer struct {
	client openai.Client
	model  string
}

func NewOpenAIStreamer(apiKey, model, baseURL string) *OpenAIStreamer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIStreamer{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (s *OpenAIStreamer) Stream(ctx context.Context, req Request, onUnit UnitHandler) error {
	stream := s.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(req.Text),
		},
	})
	defer stream.Close()

	var collector sentenceCollector
	emit := func(units []string) error {
		for _, u := range units {
			if err := onUnit(u); err != nil {
				return err
			}
		}
		return nil
	}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := emit(collector.Consume(chunk.Choices[0].Delta.Content)); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return &StreamError{Service: "openai", Err: err}
	}
	if err := emit(collector.Finalize()); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	return nil
}
