package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"studybar/internal/models"
)

var (
	// ErrUnavailable is returned when the OpenAI integration is not configured.
	ErrUnavailable = errors.New("openai integration is not configured")
)

// Completer is the minimal completion surface the tutoring services
// depend on. Client implements it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, messages []models.Turn) (string, error)
	CompleteFast(ctx context.Context, prompt string) (string, error)
}

// Client wraps the OpenAI API with the timeouts and defaults the rest
// of the backend relies on. Every call is a blocking external round
// trip bounded by callTimeout.
type Client struct {
	api            *openai.Client
	model          string
	fastModel      string
	embeddingModel string
}

const callTimeout = 2 * time.Minute

func New(apiKey, endpoint, model, fastModel, embeddingModel string) *Client {
	if apiKey == "" {
		return &Client{}
	}

	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}

	return &Client{
		api:            openai.NewClientWithConfig(cfg),
		model:          model,
		fastModel:      fastModel,
		embeddingModel: embeddingModel,
	}
}

func (c *Client) disabled() bool {
	return c.api == nil || c.model == ""
}

// Complete sends the full message history to the chat model and returns
// the assistant text.
func (c *Client) Complete(ctx context.Context, messages []models.Turn) (string, error) {
	if c.disabled() {
		return "", ErrUnavailable
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toChatMessages(messages),
		Temperature: 0.4,
	}
	return c.createChatCompletion(ctx, req)
}

// CompleteFast issues a single-prompt call against the cheaper model,
// used for intent classification where latency matters more than
// quality.
func (c *Client) CompleteFast(ctx context.Context, prompt string) (string, error) {
	if c.disabled() {
		return "", ErrUnavailable
	}

	model := c.fastModel
	if model == "" {
		model = c.model
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   16,
	}
	return c.createChatCompletion(ctx, req)
}

// TranscribeImage asks the vision-capable chat model to read an image
// supplied as a data URI, returning the transcription text.
func (c *Client) TranscribeImage(ctx context.Context, imageDataURI, prompt string) (string, error) {
	if c.disabled() {
		return "", ErrUnavailable
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageDataURI},
					},
				},
			},
		},
		Temperature: 0,
	}
	return c.createChatCompletion(ctx, req)
}

// Embed returns one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.disabled() {
		return nil, ErrUnavailable
	}
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("request embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func (c *Client) createChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func toChatMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		out[i] = openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
	}
	return out
}
