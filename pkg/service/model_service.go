package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	arkemb "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	geminiemb "github.com/cloudwego/eino-ext/components/embedding/gemini"
	ollamaemb "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiemb "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	"github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/coderschool/tabot/pkg/config"
	"github.com/coderschool/tabot/pkg/utils"
)

// ModelService builds eino chat models and embedders from configuration.
type ModelService struct {
	logger *slog.Logger
}

func NewModelService() *ModelService {
	return &ModelService{
		logger: utils.GetLogger(),
	}
}

// CreateChatModel creates an eino chat model from config
func (m *ModelService) CreateChatModel(ctx context.Context, cfg config.ChatModel) (einoModel.ToolCallingChatModel, error) {
	m.logger.Info("Creating chat model", "provider", cfg.Provider, "model", cfg.Model, "apiKey", utils.MaskSensitiveString(cfg.APIKey))

	switch cfg.Provider {
	case "openai", "custom", "":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := time.Second * 600
		retries := 3
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:    cfg.BaseURL,
			Region:     extraString(cfg.Extra, "region"),
			Timeout:    &timeout,
			RetryTimes: &retries,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "deepseek":
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "anthropic", "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:   baseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: 8192,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google", "gemini":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = cfg.BaseURL
		qianfanConfig.BearerToken = cfg.APIKey
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model: cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// CreateEmbedder creates the eino embedder used to index course documents.
func (m *ModelService) CreateEmbedder(ctx context.Context, cfg config.EmbeddingModel) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "openai", "":
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		emb, err := openaiemb.NewEmbedder(ctx, &openaiemb.EmbeddingConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return emb, nil

	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		emb, err := ollamaemb.NewEmbedder(ctx, &ollamaemb.EmbeddingConfig{
			BaseURL: baseURL,
			Model:   model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama embedder: %w", err)
		}
		return emb, nil

	case "ark":
		emb, err := arkemb.NewEmbedder(ctx, &arkemb.EmbeddingConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark embedder: %w", err)
		}
		return emb, nil

	case "dashscope":
		emb, err := dashscope.NewEmbedder(ctx, &dashscope.EmbeddingConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DashScope embedder: %w", err)
		}
		return emb, nil

	case "google", "gemini":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		emb, err := geminiemb.NewEmbedder(ctx, &geminiemb.EmbeddingConfig{
			Client: genaiClient,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return emb, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

func extraString(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	v, _ := extra[key].(string)
	return v
}
