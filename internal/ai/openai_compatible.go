package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel completes a conversation in a single call.
type ChatModel interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// StreamingChatModel additionally delivers output chunk by chunk. If onChunk returns an
// error the stream is abandoned and that error is returned.
type StreamingChatModel interface {
	ChatModel
	StreamComplete(ctx context.Context, messages []ChatMessage, onChunk func(chunk string) error) (string, error)
}

type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAICompatibleClient talks to any endpoint that implements the OpenAI chat API.
type OpenAICompatibleClient struct {
	client *openai.Client
	model  string
}

func NewOpenAICompatibleClient(cfg ChatConfig) *OpenAICompatibleClient {
	return &OpenAICompatibleClient{
		client: openai.NewClientWithConfig(clientConfig(cfg.BaseURL, cfg.APIKey, cfg.Timeout)),
		model:  cfg.Model,
	}
}

func clientConfig(baseURL, apiKey string, timeout time.Duration) openai.ClientConfig {
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}
	return oc
}

func (c *OpenAICompatibleClient) request(messages []ChatMessage, stream bool) openai.ChatCompletionRequest {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		converted[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: converted,
		Stream:   stream,
	}
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, false))
	if err != nil {
		return "", Classify(fmt.Errorf("llm request failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty llm choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAICompatibleClient) StreamComplete(
	ctx context.Context,
	messages []ChatMessage,
	onChunk func(chunk string) error,
) (string, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages, true))
	if err != nil {
		return "", Classify(fmt.Errorf("llm stream request failed: %w", err))
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", Classify(fmt.Errorf("read llm stream failed: %w", err))
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text := resp.Choices[0].Delta.Content
		if text == "" {
			continue
		}

		full.WriteString(text)
		if err := onChunk(text); err != nil {
			return "", err
		}
	}
	return full.String(), nil
}

type completeOnly struct {
	ChatModel
}

// WithoutStreaming hides any streaming capability of m, for backends that advertise streaming
// but do not deliver it reliably.
func WithoutStreaming(m ChatModel) ChatModel {
	return completeOnly{ChatModel: m}
}
