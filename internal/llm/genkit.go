package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig configures one genkit-backed provider instance.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string
	APIKey   string

	// OpenAICompatible settings.
	CompatibleProvider string
	CompatibleBaseURL  string
}

// GenkitProvider implements Provider on top of a genkit instance.
type GenkitProvider struct {
	name   string
	g      *genkit.Genkit
	prefix string
	logger *slog.Logger
	live   bool
}

// NewGenkitProvider initializes genkit with the configured plugin. Without
// an API key the provider still constructs but reports errors on Generate so
// the invoker's fallback path can take over.
func NewGenkitProvider(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitProvider {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	prefix := ""
	live := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			prefix = "anthropic/"
			live = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			prefix = "openai/"
			live = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.CompatibleBaseURL,
			}))
			live = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			prefix = "googleai/"
			live = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
		logger.Warn("provider has no API key, calls will fail over", "provider", provider)
	} else {
		logger.Info("genkit provider initialized", "provider", provider)
	}
	return &GenkitProvider{name: provider, g: g, prefix: prefix, logger: logger, live: live}
}

func (p *GenkitProvider) Name() string {
	return p.name
}

// Generate maps the provider-agnostic request onto genkit and normalizes the
// response. Tool requests in the model output are surfaced as ToolCalls for
// the tool loop; genkit's own tool execution is not used here.
func (p *GenkitProvider) Generate(ctx context.Context, modelID string, req Request) (Response, error) {
	if !p.live {
		return Response{}, fmt.Errorf("provider %s: no API key configured", p.name)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(p.prefix + modelID),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		// Escape % characters to prevent fmt corruption in ai.WithSystem.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	out := Response{
		Text:         resp.Text(),
		FinishReason: string(resp.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if resp.Message != nil {
		for _, part := range resp.Message.Content {
			if part.Kind != ai.PartToolRequest || part.ToolRequest == nil {
				continue
			}
			args, err := json.Marshal(part.ToolRequest.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   part.ToolRequest.Ref,
				Name: part.ToolRequest.Name,
				Args: args,
			})
		}
	}
	return out, nil
}

func toGenkitMessages(messages []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range messages {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "model", "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}
