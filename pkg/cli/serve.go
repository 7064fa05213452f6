package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/defilantech/llmrund/internal/auth"
	"github.com/defilantech/llmrund/internal/engine"
	"github.com/defilantech/llmrund/internal/gpu"
	"github.com/defilantech/llmrund/internal/ipcserver"
	"github.com/defilantech/llmrund/internal/lifecycle"
	"github.com/defilantech/llmrund/internal/limits"
	"github.com/defilantech/llmrund/internal/queue"
	"github.com/defilantech/llmrund/internal/telemetry"
	"github.com/defilantech/llmrund/pkg/gguf"
)

const (
	envLogLevel      = "LLMRUND_LOG_LEVEL"
	envMaxConns      = "LLMRUND_MAX_CONNECTIONS"
	envMaxConcurrent = "LLMRUND_MAX_CONCURRENT"
	envPerCallMemory = "LLMRUND_PER_CALL_MEMORY_BYTES"
	envGlobalMemory  = "LLMRUND_GLOBAL_MEMORY_BYTES"
	envSessionTTL    = "LLMRUND_SESSION_TTL_SECONDS"
	envStateDir      = "LLMRUND_STATE_DIR"
	envQueueCapacity = "LLMRUND_QUEUE_CAPACITY"
	envNumLayers     = "LLMRUND_NUM_LAYERS"
	envModelsDir     = "LLMRUND_MODELS_DIR"

	defaultPerCallMemory = 4 << 30
	defaultGlobalMemory  = 32 << 30
	defaultMaxConcurrent = 4
	defaultMaxConns      = 64
	defaultSessionTTL    = 30 * time.Minute
	defaultQueueCap      = 256
	defaultNumLayers     = 32
)

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	return cfg.Build()
}

func envOrInt(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// NewServeCommand runs the daemon: it wires resource limits, session
// auth, the GPU device table, the simulated engine, the model
// registry, the admission-controlled worker, and the IPC server, then
// blocks until a shutdown signal arrives.
func NewServeCommand() *cobra.Command {
	var (
		socketFlag    string
		tokenFlag     string
		logLevel      string
		stateDirFlag  string
		modelsDirFlag string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the llmrund daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, ok := os.LookupEnv(envLogLevel); ok && logLevel == "" {
				logLevel = v
			}
			if logLevel == "" {
				logLevel = "info"
			}

			baseLogger, err := newLogger(logLevel)
			if err != nil {
				return configError("initializing logger: %w", err)
			}
			defer baseLogger.Sync() //nolint:errcheck
			logger := baseLogger.Sugar()

			socketPath := resolveSocketPath(socketFlag)
			token := resolveAuthToken(tokenFlag)
			if token == "" {
				return configError("no auth token configured: set --token or %s", envAuthToken)
			}

			stateDir := stateDirFlag
			if stateDir == "" {
				stateDir = os.Getenv(envStateDir)
			}
			if stateDir == "" {
				stateDir = os.TempDir()
			}
			if err := os.MkdirAll(stateDir, 0o755); err != nil {
				return configError("creating state dir %s: %w", stateDir, err)
			}

			devices := gpu.DetectDevices()
			logger.Infow("detected devices", "count", len(devices))

			registry := lifecycle.New()
			numLayers := int(envOrInt(envNumLayers, defaultNumLayers))
			eng := engine.New(registry, devices, numLayers)

			store := telemetry.New()
			registry.SetTelemetry(store)
			eng.SetTelemetry(store)

			statePath := lifecycle.DefaultStatePath(stateDir)
			restoreOpener := func(modelID string, meta lifecycle.Metadata) lifecycle.Opener {
				return func() (lifecycle.Model, lifecycle.Metadata, error) {
					eng.TrackModelLoaded(modelID, meta.MemoryBytes)
					return struct{}{}, meta, nil
				}
			}
			if err := registry.Restore(statePath, restoreOpener); err != nil {
				logger.Warnw("failed to restore registry state", "path", statePath, "error", err)
			}

			modelsDir := modelsDirFlag
			if modelsDir == "" {
				modelsDir = os.Getenv(envModelsDir)
			}
			if modelsDir != "" {
				loaded, scanErr := loadModelsFromDir(registry, eng, modelsDir)
				if scanErr != nil {
					logger.Warnw("scanning models directory", "dir", modelsDir, "error", scanErr)
				}
				logger.Infow("loaded models from directory", "dir", modelsDir, "count", loaded)
			}

			l := limits.New(limits.Config{
				PerCallMemoryCap: envOrInt(envPerCallMemory, defaultPerCallMemory),
				GlobalMemoryCap:  envOrInt(envGlobalMemory, defaultGlobalMemory),
				MaxConcurrent:    envOrInt(envMaxConcurrent, defaultMaxConcurrent),
			})

			q := queue.New(int(envOrInt(envQueueCapacity, defaultQueueCap)))
			worker := queue.NewWorker(q, l, eng, store, registry)

			ttl := time.Duration(envOrInt(envSessionTTL, int64(defaultSessionTTL.Seconds()))) * time.Second
			authenticator := auth.New(token, ttl)

			srv := ipcserver.New(ipcserver.Config{
				SocketPath:      socketPath,
				MaxConnections:  envOrInt(envMaxConns, defaultMaxConns),
				ShutdownTimeout: 10 * time.Second,
				StartedAt:       time.Now(),
			}, authenticator, q, registry, store, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Infow("received shutdown signal")
				cancel()
			}()

			go worker.Run(ctx)

			logger.Infow("llmrund daemon starting", "socket", socketPath)
			serveErr := srv.Serve(ctx)

			logger.Infow("saving registry state", "path", statePath)
			if err := registry.Save(statePath); err != nil {
				logger.Warnw("failed to save registry state", "error", err)
			}

			if serveErr != nil && ctx.Err() == nil {
				return failureError(serveErr)
			}
			logger.Infow("llmrund daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&socketFlag, "socket", "", "override the daemon's socket path")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "bearer token clients must present")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&stateDirFlag, "state-dir", "", "directory for persisted registry state")
	cmd.Flags().StringVar(&modelsDirFlag, "models-dir", "", "directory of .gguf files to load at startup")

	return cmd
}

// loadModelsFromDir registers every *.gguf file directly under dir,
// probing each header via pkg/gguf rather than reading tensor data, so
// startup cost stays proportional to metadata size, not model size.
// A file that fails to probe is skipped, not fatal: one corrupt model
// shouldn't keep the rest of the fleet from coming up.
func loadModelsFromDir(registry *lifecycle.Registry, eng *engine.Engine, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var loaded int
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".gguf" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		modelID := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))

		probed, probeErr := gguf.ProbeFile(path)
		if probeErr != nil {
			if firstErr == nil {
				firstErr = probeErr
			}
			continue
		}

		meta := lifecycle.Metadata{
			Format:      probed.Architecture,
			SizeBytes:   probed.SizeBytes,
			MemoryBytes: probed.ParameterSize,
			AutoLoad:    true,
		}
		opener := func(id string, m lifecycle.Metadata) lifecycle.Opener {
			return func() (lifecycle.Model, lifecycle.Metadata, error) {
				eng.TrackModelLoaded(id, m.MemoryBytes)
				return struct{}{}, m, nil
			}
		}(modelID, meta)

		if _, loadErr := registry.Load(modelID, meta, opener); loadErr != nil {
			if firstErr == nil {
				firstErr = loadErr
			}
			continue
		}
		loaded++
	}
	return loaded, firstErr
}
