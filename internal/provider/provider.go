// ABOUTME: Generative model clients for the free and paid provider tiers.
// ABOUTME: Speaks the OpenAI chat-completions protocol against Gemini, Mistral and OpenAI endpoints.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Supported provider kinds.
const (
	KindGemini  = "gemini"
	KindMistral = "mistral"
	KindOpenAI  = "openai"
	KindStatic  = "static"
)

var (
	ErrMissingAPIKey   = errors.New("provider: missing API key")
	ErrUnknownProvider = errors.New("provider: unknown provider kind")
	ErrEmptyResponse   = errors.New("provider: empty response")
)

var defaultBaseURLs = map[string]string{
	KindGemini:  "https://generativelanguage.googleapis.com/v1beta/openai/",
	KindMistral: "https://api.mistral.ai/v1",
	KindOpenAI:  "https://api.openai.com/v1",
}

var defaultModels = map[string]string{
	KindGemini:  "gemini-2.0-flash",
	KindMistral: "mistral-small-latest",
	KindOpenAI:  openai.GPT4oMini,
}

// ModelOptions tune a single model handle.
type ModelOptions struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Model generates text for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Config describes one provider endpoint.
type Config struct {
	Kind       string
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAICompatible hands out chat models for one OpenAI-compatible endpoint.
type OpenAICompatible struct {
	kind   string
	model  string
	apiKey string
	client *openai.Client
}

// NewOpenAICompatible builds a factory for cfg. A missing API key is not an
// error here; GenerativeModel reports it so callers can fall back.
func NewOpenAICompatible(cfg Config) (*OpenAICompatible, error) {
	kind := strings.ToLower(cfg.Kind)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		var ok bool
		if baseURL, ok = defaultBaseURLs[kind]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Kind)
		}
	}
	model := cfg.Model
	if model == "" {
		model = defaultModels[kind]
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &OpenAICompatible{
		kind:   kind,
		model:  model,
		apiKey: cfg.APIKey,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Provider returns the provider kind, e.g. "gemini".
func (f *OpenAICompatible) Provider() string { return f.kind }

// GenerativeModel returns a model bound to this endpoint.
func (f *OpenAICompatible) GenerativeModel(ctx context.Context, opts ModelOptions) (Model, error) {
	if f.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", f.kind, ErrMissingAPIKey)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = f.model
	}
	return &chatModel{client: f.client, provider: f.kind, model: model, opts: opts}, nil
}

type chatModel struct {
	client   *openai.Client
	provider string
	model    string
	opts     ModelOptions
}

func (m *chatModel) Name() string { return m.provider + "/" + m.model }

func (m *chatModel) Generate(ctx context.Context, prompt string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if m.opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: m.opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    messages,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: m.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", m.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: %w", m.provider, ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Static always answers with the same reply. Used offline and in tests.
type Static struct {
	ProviderName string
	Reply        string
	Err          error
}

func (s *Static) Provider() string {
	if s.ProviderName == "" {
		return KindStatic
	}
	return s.ProviderName
}

func (s *Static) GenerativeModel(ctx context.Context, opts ModelOptions) (Model, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return staticModel{name: s.Provider(), reply: s.Reply}, nil
}

type staticModel struct {
	name  string
	reply string
}

func (m staticModel) Name() string { return m.name + "/static" }

func (m staticModel) Generate(ctx context.Context, prompt string) (string, error) {
	return m.reply, nil
}

// New builds the factory for cfg.Kind.
func New(cfg Config) (Factory, error) {
	if strings.EqualFold(cfg.Kind, KindStatic) {
		return &Static{ProviderName: KindStatic, Reply: "ok"}, nil
	}
	return NewOpenAICompatible(cfg)
}

// Factory hands out models for one provider.
type Factory interface {
	Provider() string
	GenerativeModel(ctx context.Context, opts ModelOptions) (Model, error)
}
