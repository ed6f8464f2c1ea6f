package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coderschool/tabot/pkg/config"
	"github.com/coderschool/tabot/pkg/discord"
	"github.com/coderschool/tabot/pkg/event"
	"github.com/coderschool/tabot/pkg/handler"
	"github.com/coderschool/tabot/pkg/relay"
	"github.com/coderschool/tabot/pkg/service"
	"github.com/coderschool/tabot/pkg/tools"
	"github.com/coderschool/tabot/pkg/utils"
)

var (
	configPath string
	logLevel   string
	ingestDir  string
)

var rootCmd = &cobra.Command{
	Use:           "tabot",
	Short:         "Discord teaching assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and the notification relays and answer questions",
	RunE:  runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Rebuild the course material index from a directory",
	RunE:  runIngest,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant one question from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.tabot/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "directory of course material")
	_ = ingestCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(serveCmd, ingestCmd, askCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and initializes logging from it.
func loadConfig() (*config.AppConfig, error) {
	var (
		cfg  *config.AppConfig
		path string
		err  error
	)
	if configPath != "" {
		cfg, path, err = config.LoadFrom(configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := utils.InitLogger(utils.LogOptions{Level: level, Format: cfg.Log.Format})
	logger.Debug("Loaded config", "path", path)
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Discord.Token == "" {
		return errors.New("discord token is not configured (set DISCORD_TOKEN)")
	}
	logger := utils.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return err
	}
	components := discord.NewComponents()
	emitter := event.NewEmitter()

	notifications := service.NewNotificationService(service.NotificationOptions{
		Platform:            session,
		Components:          components,
		SubmissionChannelID: cfg.Relay.SubmissionChannelID,
		HelpChannelID:       cfg.Relay.HelpChannelID,
		BroadcastChannelID:  cfg.Relay.BroadcastChannelID,
		GradingURL:          cfg.Relay.GradingURL,
	})
	unsubscribe := notifications.Subscribe(emitter)
	defer unsubscribe()

	questions, err := handler.NewQuestionHandler(handler.QuestionHandlerOptions{
		Platform:          session,
		Runner:            app.driver,
		Centers:           cfg.QuestionCenters,
		FeedbackChannelID: cfg.FeedbackChannel,
		Mirrors:           cfg.ForumMirrors,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	session.Bind(ctx, questions, components)
	if err := session.Open(); err != nil {
		return err
	}
	defer session.Close()

	clients := make([]*relay.Client, 0, len(cfg.Relay.Sources))
	for _, src := range cfg.Relay.Sources {
		clients = append(clients, relay.NewClient(relay.Options{
			Name:              src.Name,
			URL:               src.URL,
			ReconnectInterval: cfg.Relay.ReconnectEvery(),
			Emitter:           emitter,
			Metrics:           app.metrics,
		}))
	}
	relays := relay.NewGroup(clients...)

	server := NewServer(cfg.Host(), cfg.Port())
	status := handler.NewStatusHandler(app.driver.Store(), relays, app.registry, logger)
	status.Catalog = tools.NewCatalog(app.tools)
	server.SetupRoutes(status, emitter)

	logger.Info("tabot started",
		"backend", cfg.Assistant.BackendName(),
		"questionCenters", len(cfg.QuestionCenters),
		"relaySources", relays.Len(),
		"discordToken", utils.MaskSensitiveString(cfg.Discord.Token))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relays.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	err = g.Wait()
	logger.Info("tabot stopped")
	return err
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Knowledge.IsEnabled() {
		return errors.New("knowledge index is disabled in config")
	}
	app := &App{cfg: cfg, models: service.NewModelService(), logger: utils.GetLogger()}
	if err := app.openKnowledge(cmd.Context()); err != nil {
		return err
	}
	n, err := app.knowledge.Ingest(cmd.Context(), ingestDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks from %s\n", n, ingestDir)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	answer, err := app.driver.Ask(ctx, service.TurnRequest{
		LocalID: "cli",
		Text:    strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, answer.Text)
	for _, c := range answer.Citations {
		fmt.Fprintln(out, "-", c)
	}
	return nil
}
