package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	anyllmgemini "github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"google.golang.org/genai"
)

// Evaluator turns an evaluation prompt into the model's raw answer, which is
// expected to be a JSON [EvaluationReport], possibly fenced.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (string, error)
}

// Synthesizer produces a short spoken sample of a prebuilt voice. It returns
// nil audio without error when the model produced none.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// ── Gemini ────────────────────────────────────────────────────────────────────

// GeminiConfig configures [NewGemini].
type GeminiConfig struct {
	APIKey string

	// ReportModel defaults to [DefaultReportModel].
	ReportModel string

	// TTSModel defaults to [DefaultTTSModel].
	TTSModel string

	// BaseURL overrides the API endpoint. Used in tests.
	BaseURL string

	// HTTPClient is used for all calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Gemini evaluates reports and synthesises voice previews with the Gemini API.
type Gemini struct {
	client      *genai.Client
	reportModel string
	ttsModel    string
}

var (
	_ Evaluator   = (*Gemini)(nil)
	_ Synthesizer = (*Gemini)(nil)
)

// NewGemini constructs a Gemini backend.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("report: gemini: api key must not be empty")
	}
	if cfg.ReportModel == "" {
		cfg.ReportModel = DefaultReportModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("report: gemini: new client: %w", err)
	}
	return &Gemini{client: client, reportModel: cfg.ReportModel, ttsModel: cfg.TTSModel}, nil
}

// Evaluate implements [Evaluator] with a JSON response schema.
func (g *Gemini) Evaluate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.reportModel, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   geminiReportSchema(),
	})
	if err != nil {
		return "", fmt.Errorf("report: gemini: generate: %w", err)
	}
	return resp.Text(), nil
}

// Synthesize implements [Synthesizer].
func (g *Gemini) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.ttsModel, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("report: gemini: synthesize: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].InlineData == nil {
		return nil, nil
	}
	return parts[0].InlineData.Data, nil
}

func geminiReportSchema() *genai.Schema {
	str := &genai.Schema{Type: genai.TypeString}
	num := &genai.Schema{Type: genai.TypeNumber}
	object := func(props map[string]*genai.Schema) *genai.Schema {
		return &genai.Schema{Type: genai.TypeObject, Properties: props}
	}
	return object(map[string]*genai.Schema{
		"summary":   str,
		"score":     num,
		"sentiment": str,
		"behavioralAnalysis": object(map[string]*genai.Schema{
			"averageLatency":   num,
			"consistencyScore": num,
			"notes":            str,
		}),
		"contentAnalysis": object(map[string]*genai.Schema{
			"accuracy":         num,
			"depth":            str,
			"matchWithContext": str,
		}),
		"participantFeedback": object(map[string]*genai.Schema{
			"mainFeedback": str,
			"tips":         {Type: genai.TypeArray, Items: str},
		}),
	})
}

// ── OpenAI ────────────────────────────────────────────────────────────────────

// OpenAI evaluates reports with the OpenAI chat completions API in JSON mode.
type OpenAI struct {
	client oai.Client
	model  string
}

// OpenAIOption is a functional option for [NewOpenAI].
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	timeout time.Duration
}

// WithOpenAIBaseURL overrides the default API base URL.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAITimeout sets a per-request HTTP timeout.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// NewOpenAI constructs an OpenAI evaluator.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("report: openai: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("report: openai: model must not be empty")
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Evaluate implements [Evaluator].
func (p *OpenAI) Evaluate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("report: openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("report: openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ── any-llm ───────────────────────────────────────────────────────────────────

// AnyLLM evaluates reports through any-llm-go, covering providers without a
// dedicated backend here.
type AnyLLM struct {
	backend anyllmlib.Provider
	model   string
}

// NewAnyLLM constructs an evaluator for providerName, one of "anthropic",
// "gemini", "ollama", "deepseek", "mistral" or "groq". Without an API key
// option the provider reads its usual environment variable.
func NewAnyLLM(providerName, model string, opts ...anyllmlib.Option) (*AnyLLM, error) {
	if model == "" {
		return nil, errors.New("report: anyllm: model must not be empty")
	}
	backend, err := anyLLMBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("report: anyllm: create %q backend: %w", providerName, err)
	}
	return &AnyLLM{backend: backend, model: model}, nil
}

func anyLLMBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return anyllmgemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// Evaluate implements [Evaluator].
func (p *AnyLLM) Evaluate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: "Antwoord uitsluitend met een geldig JSON object."},
			{Role: anyllmlib.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("report: anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("report: anyllm: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
