package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"learning_path_generator/config"
	"learning_path_generator/generator"
	"learning_path_generator/progress"
	"learning_path_generator/server"
)

var (
	configPath string
	verbose    bool
	logger     *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "learnpath",
		Short:         "Generate structured learning paths from YouTube with Drive or Notion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default ./config/config.json)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	root.AddCommand(serveCmd(), generateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err = zcfg.Build()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides server.addr)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := buildAgent(cfg.Agent)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store := generator.NewStore(agent, cfg.Server.SessionTTL, generator.Options{
		RunTimeout: cfg.Agent.RunTimeout,
		Logger:     logger,
		Metrics:    generator.NewMetrics(reg),
	})
	defer store.Close()
	go store.Janitor(ctx, cfg.Server.SweepInterval)

	srv, err := server.New(store, logger, reg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting web server", zap.String("addr", cfg.Server.Addr), zap.String("provider", cfg.Agent.Provider))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func generateCmd() *cobra.Command {
	var form generator.Form
	var tool string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one learning path in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			t, err := generator.ParseSecondaryTool(tool)
			if err != nil {
				return err
			}
			form.SecondaryTool = t
			if form.GoogleAPIKey == "" {
				form.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
			}
			return generate(cmd.Context(), cfg, form, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&form.GoogleAPIKey, "api-key", "", "Google API key (default $GOOGLE_API_KEY)")
	f.StringVar(&form.YouTubeURL, "youtube-url", "", "Pipedream YouTube URL (required)")
	f.StringVar(&tool, "tool", "Drive", "secondary tool: Drive or Notion")
	f.StringVar(&form.DriveURL, "drive-url", "", "Pipedream Drive URL")
	f.StringVar(&form.NotionURL, "notion-url", "", "Pipedream Notion URL")
	f.StringVar(&form.Goal, "goal", "", `learning goal, e.g. "I want to learn python basics in 3 days"`)
	return cmd
}

func generate(parent context.Context, cfg config.Config, form generator.Form, out io.Writer) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := buildAgent(cfg.Agent)
	if err != nil {
		return err
	}
	sess := generator.NewSession(ctx, "cli", agent, generator.Options{
		RunTimeout: cfg.Agent.RunTimeout,
		Logger:     logger,
	})
	if err := sess.Generate(form); err != nil {
		return err
	}

	replay, live, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	for _, ev := range replay {
		printEvent(out, ev)
	}
	for ev := range live {
		printEvent(out, ev)
	}
	<-sess.Done()

	if snap := sess.Snapshot(); snap.Error != "" {
		if snap.Hint != "" {
			return fmt.Errorf("%s\n%s", snap.Error, snap.Hint)
		}
		return errors.New(snap.Error)
	}
	return nil
}

func printEvent(w io.Writer, ev generator.Event) {
	switch ev.Kind {
	case generator.EventProgress:
		u := ev.Update
		if u.SectionChanged {
			fmt.Fprintf(w, "\n%s\n", u.Section)
		}
		if u.Line == progress.SuccessLine {
			fmt.Fprintf(w, "\n%s\n", u.Line)
			return
		}
		fmt.Fprintln(w, u.Line)
	case generator.EventResult:
		fmt.Fprintln(w, "\nYour Learning Path")
		for _, m := range ev.Messages {
			fmt.Fprintf(w, "\n📚 %s\n", m.Content)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func buildAgent(cfg config.AgentConfig) (*generator.Agent, error) {
	factory, err := buildModelFactory(cfg)
	if err != nil {
		return nil, err
	}
	return generator.NewAgent(factory,
		generator.WithMaxSteps(cfg.MaxSteps),
		generator.WithToolTimeout(cfg.ToolTimeout),
		generator.WithLogger(logger),
	)
}

func buildModelFactory(cfg config.AgentConfig) (generator.ModelFactory, error) {
	switch cfg.Provider {
	case "gemini":
		// the key comes from the form, one client per run
		return func(ctx context.Context, apiKey string) (generator.ChatModel, error) {
			return generator.NewGeminiLLM(ctx, apiKey, cfg.Model)
		}, nil
	case "openai", "deepseek":
		llm, err := generator.NewOpenAILLMFromConfig(&generator.LLMSettings{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return func(context.Context, string) (generator.ChatModel, error) { return llm, nil }, nil
	case "mock":
		return func(context.Context, string) (generator.ChatModel, error) { return generator.MockLLM{}, nil }, nil
	default:
		return nil, fmt.Errorf("llm provider %s not supported", cfg.Provider)
	}
}
