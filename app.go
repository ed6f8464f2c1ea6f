package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/coderschool/tabot/pkg/assistant"
	"github.com/coderschool/tabot/pkg/config"
	"github.com/coderschool/tabot/pkg/metrics"
	"github.com/coderschool/tabot/pkg/service"
	"github.com/coderschool/tabot/pkg/tools"
	"github.com/coderschool/tabot/pkg/tools/github"
	"github.com/coderschool/tabot/pkg/tools/youtube"
	"github.com/coderschool/tabot/pkg/utils"
)

const defaultInstructions = `You are a teaching assistant for a coding bootcamp. Answer learner questions about data science and web development in a friendly tone, in at most 1900 characters.
When a message includes a GitHub link, use extract_owner and extract_repo, then fetch_all_code_from_repo to read the code before answering.
Use search_db for course material and search_youtube when a short video would help.
If you cannot help, call get_ta_role_for_forum with the Forum ID you were given and mention the returned role so a TA is notified.`

// App holds the components shared by every subcommand.
type App struct {
	cfg       *config.AppConfig
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	models    *service.ModelService
	knowledge *service.KnowledgeService
	tools     *tools.Registry
	backend   assistant.Backend
	driver    *service.RunDriver
	logger    *slog.Logger
	closers   []func() error
}

// NewApp wires the knowledge index, tools, assistant backend and run driver.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		models:   service.NewModelService(),
		logger:   utils.GetLogger(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.openKnowledge(ctx); err != nil {
		return nil, err
	}

	tc := &tools.ToolContext{
		Repos:  github.NewClient(cfg.GitHub.BaseURL(), cfg.GitHub.Token, nil),
		Roles:  tools.NewRoleTable(cfg.ForumRoles()),
		Videos: youtube.NewClient("", nil),
	}
	if a.knowledge != nil {
		tc.Knowledge = a.knowledge
	}
	reg, err := tools.NewRegistry(tc)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	a.tools = reg

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	a.driver = service.NewRunDriver(service.RunDriverOptions{
		Backend:      backend,
		Tools:        reg,
		Clock:        service.RealClock,
		PollInterval: cfg.Assistant.PollEvery(),
		PollTimeout:  cfg.Assistant.PollDeadline(),
		Metrics:      a.metrics,
	})
	return a, nil
}

func (a *App) openKnowledge(ctx context.Context) error {
	kc := a.cfg.Knowledge
	if !kc.IsEnabled() {
		a.logger.Info("Knowledge index disabled")
		return nil
	}
	emb := kc.Embedding
	if emb.APIKey == "" && (emb.Provider == "" || emb.Provider == "openai") {
		emb.APIKey = a.cfg.Assistant.APIKey
	}
	embedder, err := a.models.CreateEmbedder(ctx, emb)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	ks, err := service.NewKnowledgeService(service.KnowledgeOptions{
		Path:       kc.Path,
		Collection: kc.CollectionName(),
		ChunkChars: kc.ChunkChars(),
		Embed:      service.EmbeddingFuncFromEmbedder(embedder),
	})
	if err != nil {
		return err
	}
	a.knowledge = ks
	return nil
}

func (a *App) openBackend(ctx context.Context) (assistant.Backend, error) {
	ac := a.cfg.Assistant
	instructions, err := a.instructions()
	if err != nil {
		return nil, err
	}

	switch ac.BackendName() {
	case "eino":
		cm := ac.ChatModel
		if cm.Model == "" {
			cm.Model = ac.ModelName()
		}
		if cm.APIKey == "" {
			cm.APIKey = ac.APIKey
		}
		chatModel, err := a.models.CreateChatModel(ctx, cm)
		if err != nil {
			return nil, err
		}
		infos, err := a.tools.Infos(ctx)
		if err != nil {
			return nil, err
		}
		bound, err := chatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		eb := assistant.NewEinoBackend(bound, instructions)
		a.closers = append(a.closers, eb.Close)
		a.logger.Info("Using local assistant backend", "provider", cm.Provider, "model", cm.Model)
		return eb, nil

	default:
		ob := assistant.NewOpenAIBackend(assistant.OpenAIOptions{
			APIKey:      ac.APIKey,
			BaseURL:     ac.BaseURL,
			AssistantID: ac.AssistantID,
		})
		if ob.AssistantID() == "" {
			infos, err := a.tools.Infos(ctx)
			if err != nil {
				return nil, err
			}
			docs, err := listDocs(ac.DocsDir)
			if err != nil {
				return nil, err
			}
			id, err := ob.Bootstrap(ctx, assistant.BootstrapOptions{
				Name:         ac.AssistantName(),
				Model:        ac.ModelName(),
				Instructions: instructions,
				Tools:        infos,
				DocPaths:     docs,
			})
			if err != nil {
				return nil, fmt.Errorf("bootstrap assistant: %w", err)
			}
			a.logger.Info("Created assistant; set assistant.assistant_id to reuse it", "assistantID", id)
		}
		return ob, nil
	}
}

func (a *App) instructions() (string, error) {
	path := a.cfg.Assistant.InstructionsFile
	if path == "" {
		return defaultInstructions, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	return string(b), nil
}

// Close releases backend resources.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// listDocs returns the regular files directly under dir.
func listDocs(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list docs in %s: %w", dir, err)
	}
	return out, nil
}
