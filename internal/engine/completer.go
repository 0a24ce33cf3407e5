package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/taskweave/internal/tools"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ToolCall is one tool request returned by the model, arguments still
// raw. Validation happens at apply time against the tool's schema.
type ToolCall struct {
	Name string
	Args json.RawMessage
}

// Completion is one model turn: optional text plus the tool calls to
// apply this round.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Completer produces one decision turn from the packed context. A nil
// error with no tool calls means the model chose to do nothing. Model
// reports the backing model name for spans and metrics.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (*Completion, error)
	Model() string
}

// CompleterConfig holds configuration for the GenkitCompleter.
type CompleterConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitCompleter backs the decision loop with a Genkit model. Tool
// requests are returned to the loop rather than executed by Genkit, so
// every mutation goes through the loop's transaction.
type GenkitCompleter struct {
	g        *genkit.Genkit
	toolRefs []ai.ToolRef
	cfg      CompleterConfig
	llmOn    bool
}

// NewGenkitCompleter initializes Genkit with the configured LLM provider
// and declares the task tools from the pool. The declared handlers are
// never run; generation is configured to hand tool requests back.
func NewGenkitCompleter(ctx context.Context, pool *tools.Pool, cfg CompleterConfig) *GenkitCompleter {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	cfg.Model = modelID

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("genkit completer initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; runs will fail until one is configured")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("genkit completer initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; runs will fail until one is configured")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("genkit completer initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; runs will fail until one is configured")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("genkit completer initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; runs will fail until one is configured")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; runs will fail until one is configured", "provider", provider)
	}

	c := &GenkitCompleter{g: g, cfg: cfg, llmOn: llmOn}
	for _, tool := range pool.All() {
		declared := genkit.DefineTool(g, tool.Name, tool.Description,
			func(_ *ai.ToolContext, _ map[string]any) (string, error) {
				// Never reached: generation returns tool requests
				// instead of executing them.
				return "", fmt.Errorf("tool executed outside decision loop")
			},
		)
		c.toolRefs = append(c.toolRefs, declared)
	}
	slog.Info("completer tools declared", "tools", len(c.toolRefs))
	return c
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// Model returns the provider-qualified model name.
func (c *GenkitCompleter) Model() string {
	return modelNameForProvider(c.cfg.Provider, c.cfg.Model)
}

// Complete runs one generation turn and returns the model's tool
// requests without executing them.
func (c *GenkitCompleter) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	if !c.llmOn {
		return nil, fmt.Errorf("no API key configured for provider %q", c.cfg.Provider)
	}

	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.cfg.Provider, c.cfg.Model)),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
		ai.WithTools(c.toolRefs...),
		ai.WithReturnToolRequests(true),
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	completion := &Completion{Text: resp.Text()}
	for _, req := range resp.ToolRequests() {
		args, err := json.Marshal(req.Input)
		if err != nil {
			return nil, fmt.Errorf("encode tool request %s: %w", req.Name, err)
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			Name: req.Name,
			Args: args,
		})
	}
	return completion, nil
}
