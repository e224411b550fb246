package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/atcoder"
	"github.com/MarcoPoloResearchLab/subsync/internal/config"
	"github.com/MarcoPoloResearchLab/subsync/internal/logging"
	"github.com/MarcoPoloResearchLab/subsync/internal/server"
	"github.com/MarcoPoloResearchLab/subsync/internal/store"
	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"github.com/MarcoPoloResearchLab/subsync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "subsync",
		Short:        "Incremental AtCoder submission cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve submission sync over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync <user-id>",
		Short: "Synchronize one user's submissions and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	})

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding per-user submission databases")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Submissions API endpoint")
	cmd.PersistentFlags().Duration("safety-window", defaults.GetDuration("sync.safety_window"), "How far behind the latest cached submission a sync resumes")
	cmd.PersistentFlags().Int("max-pages", defaults.GetInt("sync.max_pages"), "Maximum pages fetched by one sync")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "sync.safety_window", "safety-window")
	bindFlag(cmd, "sync.max_pages", "max-pages")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newEngine(appConfig config.AppConfig, logger *zap.Logger) (*syncer.Engine, *store.Store, error) {
	localStore, err := store.New(store.Config{
		Directory: appConfig.DataDir,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	client, err := atcoder.NewClient(atcoder.ClientConfig{
		BaseURL:   appConfig.RemoteBaseURL,
		UserAgent: appConfig.RemoteUserAgent,
		Timeout:   appConfig.RemoteTimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := syncer.NewEngine(syncer.Config{
		Store:           localStore,
		Fetcher:         client,
		IDProvider:      syncer.NewUUIDProvider(),
		Logger:          logger,
		SafetyWindow:    appConfig.SafetyWindow,
		MaxPages:        appConfig.MaxPages,
		SaveConcurrency: appConfig.SaveConcurrency,
		PageDelay:       appConfig.PageDelay,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, localStore, nil
}

type syncReportPayload struct {
	RunID           string  `json:"run_id"`
	UserID          string  `json:"user_id"`
	Mode            string  `json:"mode"`
	ResumeSecond    int64   `json:"resume_second"`
	Pages           int     `json:"pages"`
	Fetched         int     `json:"fetched"`
	Persisted       int     `json:"persisted"`
	FailedWrites    int     `json:"failed_writes"`
	CacheReadFailed bool    `json:"cache_read_failed"`
	Total           int     `json:"total"`
	NewIDs          []int64 `json:"new_ids"`
}

func runSync(ctx context.Context, rawUserID string, out io.Writer) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewCLILogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	userID, err := submissions.NewUserID(rawUserID)
	if err != nil {
		return err
	}

	engine, localStore, err := newEngine(appConfig, logger)
	if err != nil {
		return err
	}
	defer localStore.Close() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := engine.SyncWithReport(signalCtx, userID)
	if err != nil {
		return err
	}

	newIDs := report.NewIDs
	if newIDs == nil {
		newIDs = []int64{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(syncReportPayload{
		RunID:           report.RunID,
		UserID:          report.UserID.String(),
		Mode:            string(report.Mode),
		ResumeSecond:    report.ResumeSecond,
		Pages:           report.Pages,
		Fetched:         report.Fetched,
		Persisted:       report.Persisted,
		FailedWrites:    report.FailedWrites,
		CacheReadFailed: report.CacheReadFailed,
		Total:           len(report.Submissions),
		NewIDs:          newIDs,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, localStore, err := newEngine(appConfig, logger)
	if err != nil {
		return err
	}
	defer localStore.Close() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Syncer:     engine,
		Dispatcher: server.NewRealtimeDispatcher(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("data_dir", appConfig.DataDir))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
