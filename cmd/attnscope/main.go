package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/attnscope/internal/config"
	"github.com/xxxsen/attnscope/internal/gpt2"
	"github.com/xxxsen/attnscope/internal/handler"
	"github.com/xxxsen/attnscope/internal/job"
	"github.com/xxxsen/attnscope/internal/metrics"
	"github.com/xxxsen/attnscope/internal/middleware"
	"github.com/xxxsen/attnscope/internal/modelstore"
	"github.com/xxxsen/attnscope/internal/schedule"
	"github.com/xxxsen/attnscope/internal/service"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "attnscope",
		Short: "GPT-2 attention visualizer",
	}
	rootCmd.AddCommand(newRunCmd(), newExtractCmd(), newScaffoldCmd())

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
	return cfg, nil
}

func newAttentionService(cfg *config.Config, m *metrics.Metrics) (*service.AttentionService, error) {
	store, err := modelstore.New(cfg.Model.Source.Type, cfg.Model.Source.Data)
	if err != nil {
		return nil, fmt.Errorf("init model store: %w", err)
	}
	limits := service.Limits{
		MaxTokens:   cfg.Limits.MaxTokens,
		MaxGenerate: cfg.Limits.MaxGenerate,
		Threshold:   cfg.Limits.Threshold,
	}
	return service.NewAttentionService(service.BundleLoader(store, cfg.Limits.BPECacheSize), limits, m), nil
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run attnscope server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	return cmd
}

func runServer(cfg *config.Config) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("model_source", cfg.Model.Source.Type),
		zap.Bool("preload", cfg.Model.Preload),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	attentionService, err := newAttentionService(cfg, m)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Model.Preload {
		go func() {
			if err := attentionService.Warmup(ctx); err != nil {
				logutil.GetLogger(ctx).Error("model preload failed", zap.Error(err))
			}
		}()
	}

	if cfg.Probe.Spec != "" {
		scheduler := schedule.NewCronScheduler()
		probe := job.NewModelProbeJob(attentionService, cfg.Probe.Text, 0, m)
		if err := scheduler.AddJob(probe, cfg.Probe.Spec); err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	deps := handler.RouterDeps{
		Page:      handler.NewPageHandler(),
		Attention: handler.NewAttentionHandler(attentionService),
		Health:    handler.NewHealthHandler(attentionService),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.AccessLog(),
			middleware.CORS(cfg.CORS),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

func newExtractCmd() *cobra.Command {
	var (
		configPath string
		text       string
		generate   int
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "print the attention of a text as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			attentionService, err := newAttentionService(cfg, nil)
			if err != nil {
				return err
			}
			result, err := attentionService.Analyze(cmd.Context(), text, generate)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	cmd.Flags().StringVar(&text, "text", "", "input text")
	cmd.Flags().IntVar(&generate, "generate", 0, "number of tokens to generate")
	return cmd
}

func newScaffoldCmd() *cobra.Command {
	var (
		dir  string
		seed int64
		cfg  gpt2.Config
	)
	cmd := &cobra.Command{
		Use:   "scaffold",
		Short: "write a small randomly initialised model for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
			if err := modelstore.Scaffold(dir, cfg, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "model written to %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().IntVar(&cfg.NLayer, "layers", 2, "number of layers")
	cmd.Flags().IntVar(&cfg.NHead, "heads", 4, "attention heads per layer")
	cmd.Flags().IntVar(&cfg.NEmbd, "embd", 64, "embedding width")
	cmd.Flags().IntVar(&cfg.NPositions, "positions", 256, "maximum sequence length")
	return cmd
}
