package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apkforge/apkforge/internal/baseapk"
	"github.com/apkforge/apkforge/internal/builder"
	"github.com/apkforge/apkforge/internal/config"
	"github.com/apkforge/apkforge/internal/queue"
	"github.com/apkforge/apkforge/internal/ratelimit"
	"github.com/apkforge/apkforge/internal/storage"
	"github.com/apkforge/apkforge/internal/telegram"
	"github.com/apkforge/apkforge/internal/tools"
	"github.com/apkforge/apkforge/internal/web"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// ForgeServer holds the running components of the service
type ForgeServer struct {
	storageManager *storage.Manager
	toolRunner     *tools.Runner
	baseFetcher    *baseapk.Fetcher
	builderManager *builder.Manager
	queueManager   *queue.Manager
	limiter        ratelimit.Limiter
	bot            *telegram.Bot
	webServer      *web.Server
	logger         *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var (
		configFile string
		dataDir    string
		webPort    uint16
	)

	rootCmd := &cobra.Command{
		Use:   "apkforge",
		Short: "APK Forge Telegram build service",
		Long: `APK Forge is a Telegram bot service that rebuilds a base Android
app per user: it decompiles the base APK, embeds the user's ID and
chosen URL, rebuilds, signs and delivers the result over Telegram.`,
		Run: func(cmd *cobra.Command, args []string) {
			log.Infof("Starting APK Forge %s (built at %s)", Version, BuildTime)
			runServer(log, configFile, dataDir, webPort)
		},
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file (optional)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (can also be set via APKFORGE_DATA_DIR env var)")
	rootCmd.Flags().Uint16Var(&webPort, "web-port", 0, "Status API port")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("APK Forge %s (built at %s)\n", Version, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runServer(log *logrus.Logger, configFile, dataDir string, webPort uint16) {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		// Keep the derived base APK path in step with the overridden dir.
		if cfg.BasePath == filepath.Join(cfg.DataDir, "magnet.apk") {
			cfg.BasePath = filepath.Join(dataDir, "magnet.apk")
		}
		cfg.DataDir = dataDir
	}
	if webPort != 0 {
		cfg.WebPort = webPort
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(ctx, log, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("APK Forge is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	// Cancel context to signal shutdown to all components
	cancel()

	if err := shutdownServer(server); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
}

func createServer(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*ForgeServer, error) {
	// Create data directory if it doesn't exist
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &ForgeServer{
		logger: log,
	}

	// Initialize Storage Manager
	storageManager, err := storage.NewManager(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}
	server.storageManager = storageManager

	// Jobs left pending or building by a previous run will never finish
	// now; fail them so /status stops reporting them as in progress.
	if _, err := storageManager.FailStale("interrupted by service restart"); err != nil {
		return nil, fmt.Errorf("failed to recover unfinished jobs: %w", err)
	}

	// Verify the external build tools before accepting any work
	toolRunner := tools.NewRunner(cfg.ApktoolPath, cfg.SignerPath, log)
	toolInfo, err := toolRunner.Verify(ctx)
	if err != nil {
		return nil, fmt.Errorf("build tools unavailable: %w", err)
	}
	for _, tool := range toolInfo {
		log.WithFields(logrus.Fields{
			"tool":    tool.Name,
			"path":    tool.Path,
			"version": tool.Version,
		}).Info("Build tool verified")
	}
	server.toolRunner = toolRunner

	// Ensure the base APK is present, downloading it if needed
	baseFetcher := baseapk.NewFetcher(cfg.BaseURL, cfg.BasePath, log)
	if _, err := baseFetcher.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("failed to obtain base APK: %w", err)
	}
	server.baseFetcher = baseFetcher

	// Initialize Builder and Queue
	builderManager := builder.NewManager(baseFetcher, toolRunner, log)
	server.builderManager = builderManager

	queueManager := queue.NewManager(builderManager, storageManager, cfg.QueueWorkers, cfg.QueueCapacity, log)
	queueManager.Start(ctx)
	server.queueManager = queueManager

	// Initialize the per-user rate limiter
	if cfg.RedisAddr != "" {
		log.WithField("addr", cfg.RedisAddr).Info("Using Redis rate limiter")
		server.limiter = ratelimit.NewRedisLimiter(cfg.UserHourlyLimit, time.Hour, ratelimit.DefaultRedisOptions(cfg.RedisAddr), log)
	} else {
		server.limiter = ratelimit.NewMemoryLimiter(cfg.UserHourlyLimit, time.Hour)
	}

	// Initialize the Telegram bot
	bot, err := telegram.NewBot(cfg.BotToken, queueManager, storageManager, server.limiter, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	server.bot = bot

	go func() {
		if err := bot.Run(ctx); err != nil {
			log.Errorf("Telegram bot stopped: %v", err)
		}
	}()

	// Initialize the status API server
	webServer := web.NewServer(cfg.WebPort, storageManager, queueManager, baseFetcher, toolRunner, log)
	server.webServer = webServer

	go func() {
		if err := webServer.Start(); err != nil {
			log.Errorf("Status API server stopped: %v", err)
		}
	}()

	startMaintenance(ctx, server)

	return server, nil
}

// startMaintenance prunes finished jobs on a timer so the database does
// not grow without bound.
func startMaintenance(ctx context.Context, server *ForgeServer) {
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-7 * 24 * time.Hour)
				pruned, err := server.storageManager.PruneOlderThan(cutoff)
				if err != nil {
					server.logger.Errorf("Failed to prune old jobs: %v", err)
					continue
				}
				if pruned > 0 {
					server.logger.WithField("count", pruned).Info("Pruned old jobs")
				}
			}
		}
	}()
}

func shutdownServer(server *ForgeServer) error {
	// Stop the status API server
	if server.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.webServer.Stop(ctx); err != nil {
			server.logger.Errorf("Failed to stop status API server: %v", err)
		}
	}

	// Drain the build queue
	if server.queueManager != nil {
		if err := server.queueManager.Close(); err != nil {
			server.logger.Errorf("Failed to close build queue: %v", err)
		}
	}

	// Close the rate limiter
	if server.limiter != nil {
		if err := server.limiter.Close(); err != nil {
			server.logger.Errorf("Failed to close rate limiter: %v", err)
		}
	}

	// Close the Storage Manager
	if server.storageManager != nil {
		if err := server.storageManager.Close(); err != nil {
			server.logger.Errorf("Failed to close storage manager: %v", err)
		}
	}

	return nil
}
