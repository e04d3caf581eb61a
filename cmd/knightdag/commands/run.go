package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"knightdag/db"
	"knightdag/delay"
	"knightdag/engine"
	"knightdag/graph"
	"knightdag/handlers"
	"knightdag/logger"
	"knightdag/peers"
	"knightdag/repository"
	"knightdag/routers"
)

// NewRunCmd returns the command that starts the confirmation engine
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the confirmation engine and its HTTP API",
		RunE:  runEngine,
	}
	AddRunFlags(cmd)
	return cmd
}

// AddRunFlags adds flags to the Run command; every flag is also
// settable through config.yaml via viper.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "config/config.yaml", "Path to configuration file")
	cmd.Flags().Int("port", 8080, "Listen port for the HTTP API")
	cmd.Flags().String("db", "data/knightdag", "LevelDB directory")
	cmd.Flags().String("log-level", "info", "debug, info, warn, error")
	cmd.Flags().Duration("eval-interval", 500*time.Millisecond, "Evaluation pass cadence")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("leveldb.path", cmd.Flags().Lookup("db"))
	viper.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	viper.BindPFlag("engine.eval_interval", cmd.Flags().Lookup("eval-interval"))
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")
	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Logger.Info("Starting KnightDAG confirmation engine...")

	ldb, err := db.NewLevelDB(viper.GetString("leveldb.path"))
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	repo := repository.NewLevelDBRepository(ldb)

	store := graph.NewStore(repo)
	if err := store.Load(); err != nil {
		logger.Logger.Fatal("Failed to load graph from storage", zap.Error(err))
	}
	logger.Logger.Info("Graph loaded", zap.Int("blocks", store.Len()))

	tracker := delay.NewTracker(viper.GetInt("delay.window"))
	registry := peers.NewRegistry(repo)
	if err := registry.Load(); err != nil {
		logger.Logger.Fatal("Failed to load peer registry", zap.Error(err))
	}

	eng := engine.New(store, tracker, registry, engine.Config{
		EvalInterval:    viper.GetDuration("engine.eval_interval"),
		CheckpointEvery: viper.GetUint64("engine.checkpoint_every"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	h := handlers.NewHandler(eng)
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancel()
	srv.Close()
	return nil
}
