package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

var (
	ErrMissingCredential = errors.New("missing API key")
	ErrInvalidCredential = errors.New("malformed API key")
	ErrUnauthorized      = errors.New("API key rejected by provider")
)

// Message is one role/content pair sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streaming completion.
type Request struct {
	Credential string
	Model      string
	Messages   []Message
}

// streamFunc receives each raw chunk of a streaming response.
type streamFunc func(ctx context.Context, reasoning, content []byte) error

// backend is the provider transport; langchainBackend is the real one.
type backend interface {
	Stream(ctx context.Context, model string, messages []llms.MessageContent, fn streamFunc) error
	Complete(ctx context.Context, model, prompt string) (string, error)
}

type langchainBackend struct {
	llm llms.LLM
}

func (b langchainBackend) Stream(ctx context.Context, model string, messages []llms.MessageContent, fn streamFunc) error {
	_, err := b.llm.GenerateContent(ctx, messages,
		llms.WithModel(model),
		// StreamingFunc switches the request into streaming mode; all data is
		// consumed by the reasoning-aware callback below.
		llms.WithStreamingFunc(func(context.Context, []byte) error { return nil }),
		llms.WithStreamingReasoningFunc(func(ctx context.Context, reasoningChunk, chunk []byte) error {
			return fn(ctx, reasoningChunk, chunk)
		}),
	)
	return err
}

func (b langchainBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, b.llm, prompt, llms.WithModel(model))
}

type Service struct {
	baseURL         string
	newBackend      func(credential string) (backend, error)
	counter         TokenCounter
	maxPromptTokens int
	logger          *zap.Logger
}

// New returns a Service talking to an OpenAI-compatible endpoint at baseURL.
// maxPromptTokens bounds the history sent per request; zero sends everything.
func New(baseURL string, maxPromptTokens int, logger *zap.Logger) *Service {
	s := &Service{
		baseURL:         baseURL,
		counter:         NewTokenCounter(),
		maxPromptTokens: maxPromptTokens,
		logger:          logger,
	}
	s.newBackend = func(credential string) (backend, error) {
		llm, err := openai.New(
			openai.WithToken(credential),
			openai.WithBaseURL(s.baseURL),
		)
		if err != nil {
			return nil, err
		}
		return langchainBackend{llm: llm}, nil
	}
	return s
}

// ValidateCredential rejects keys that are empty or cannot be sent as a
// bearer token. It does not contact the provider.
func ValidateCredential(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingCredential
	}
	for _, r := range key {
		if r > unicode.MaxASCII || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return ErrInvalidCredential
		}
	}
	return nil
}

// Open starts a streaming completion. Errors from the provider surface on the
// first call to Next.
func (s *Service) Open(ctx context.Context, req Request) (Stream, error) {
	if err := ValidateCredential(req.Credential); err != nil {
		return nil, err
	}
	b, err := s.newBackend(req.Credential)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	messages := req.Messages
	if s.maxPromptTokens > 0 {
		messages = TrimHistory(messages, s.maxPromptTokens, s.counter)
		if dropped := len(req.Messages) - len(messages); dropped > 0 {
			s.logger.Debug("trimmed history to fit prompt budget",
				zap.Int("dropped", dropped),
				zap.Int("budget", s.maxPromptTokens))
		}
	}

	return startStream(ctx, b, req.Model, toMessageContent(messages)), nil
}

const maxTitleRunes = 60

// GenerateTitle asks the model for a short thread title, falling back to the
// opening words of firstMessage when the model gives nothing usable.
func (s *Service) GenerateTitle(ctx context.Context, credential, model, firstMessage string) (string, error) {
	if err := ValidateCredential(credential); err != nil {
		return FallbackTitle(firstMessage), err
	}
	b, err := s.newBackend(credential)
	if err != nil {
		return FallbackTitle(firstMessage), fmt.Errorf("failed to create model client: %w", err)
	}

	prompt := fmt.Sprintf(`Write a title of at most six words for a conversation that starts with the message below.
Respond with the title only, no quotes or punctuation at the end.

Message: %s`, firstMessage)

	completion, err := b.Complete(ctx, model, prompt)
	if err != nil {
		return FallbackTitle(firstMessage), fmt.Errorf("failed to generate title: %w", classify(err))
	}

	title := cleanTitle(completion)
	if title == "" {
		return FallbackTitle(firstMessage), nil
	}
	return title, nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`*#.")
	return truncateRunes(s, maxTitleRunes)
}

// FallbackTitle derives a title from the first words of a message.
func FallbackTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > 6 {
		words = words[:6]
	}
	title := truncateRunes(strings.Join(words, " "), maxTitleRunes)
	if title == "" {
		return "New chat"
	}
	return title
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

// classify maps provider errors onto package errors where they mean
// something to the caller.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized") {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}
