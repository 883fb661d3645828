package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/auth"
	"github.com/MarcoPoloResearchLab/denuncias/internal/config"
	"github.com/MarcoPoloResearchLab/denuncias/internal/database"
	"github.com/MarcoPoloResearchLab/denuncias/internal/logging"
	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/MarcoPoloResearchLab/denuncias/internal/notify"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/remote"
	"github.com/MarcoPoloResearchLab/denuncias/internal/reporting"
	"github.com/MarcoPoloResearchLab/denuncias/internal/server"
	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	dotEnvFile        = ".env"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "denuncias-agent",
		Short: "Offline-first complaint submission agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newQueueCommand(), newSyncCommand(), newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite queue database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-submit-url", "", "Remote complaint submission endpoint")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Timeout for one remote submission")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("sync.max_retries"), "Submission attempts per complaint")
	cmd.PersistentFlags().String("probe-url", defaults.GetString("network.probe_url"), "URL probed for connectivity (empty disables probing)")
	cmd.PersistentFlags().Int("max-image-dimension", defaults.GetInt("attachments.max_image_dimension"), "Downscale stored photos to this many pixels per side (0 keeps originals)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.submit_url", "remote-submit-url")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "sync.max_retries", "max-retries")
	bindFlag(cmd, "network.probe_url", "probe-url")
	bindFlag(cmd, "attachments.max_image_dimension", "max-image-dimension")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

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

// agent holds the components shared by the server and the operator commands.
type agent struct {
	db      *gorm.DB
	store   *queue.Store
	engine  *syncengine.Engine
	holder  *auth.SessionHolder
	monitor *network.Monitor
}

func buildAgent(appConfig config.AppConfig, logger *zap.Logger) (*agent, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return nil, err
	}

	store, err := queue.NewStore(queue.StoreConfig{
		Open:   func() (*gorm.DB, error) { return db, nil },
		Logger: logging.Component(logger, "queue"),
		Limits: storageLimits(appConfig),
	})
	if err != nil {
		return nil, err
	}

	monitor := network.NewMonitor(network.MonitorConfig{
		Initial: network.State{Online: appConfig.ProbeURL == ""},
		Logger:  logging.Component(logger, "network"),
	})

	holder := auth.NewSessionHolder(nil)
	client, err := remote.NewClient(remote.ClientConfig{
		SubmitURL: appConfig.RemoteSubmitURL,
		Tokens:    holder,
		Logger:    logging.Component(logger, "remote"),
	})
	if err != nil {
		return nil, err
	}

	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:         store,
		Submitter:     client,
		Connectivity:  monitor,
		MaxRetries:    appConfig.MaxRetries,
		SubmitTimeout: appConfig.RemoteTimeout,
		Logger:        logging.Component(logger, "sync"),
	})
	if err != nil {
		return nil, err
	}

	return &agent{db: db, store: store, engine: engine, holder: holder, monitor: monitor}, nil
}

// hasSession gates automatic drains until a citizen session is available to forward.
func (a *agent) hasSession() bool {
	return a.holder.Token() != ""
}

func (a *agent) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func storageLimits(appConfig config.AppConfig) queue.AttachmentLimits {
	return queue.AttachmentLimits{
		MaxAttachmentBytes: appConfig.MaxAttachmentBytes,
		MaxItemBytes:       appConfig.MaxItemBytes,
		MaxImageDimension:  appConfig.MaxImageDimension,
	}
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	components, err := buildAgent(appConfig, logger)
	if err != nil {
		return err
	}
	defer components.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trigger, err := syncengine.NewTrigger(syncengine.TriggerConfig{
		Engine: components.engine,
		Source: components.monitor,
		Ready:  components.hasSession,
		Logger: logging.Component(logger, "trigger"),
	})
	if err != nil {
		return err
	}

	history, err := reporting.NewRunStore(components.db)
	if err != nil {
		return err
	}
	reporter, err := reporting.NewReporter(reporting.ReporterConfig{
		Counter:      components.store,
		Engine:       components.engine,
		Network:      components.monitor,
		History:      history,
		PollInterval: appConfig.PollInterval,
		Logger:       logging.Component(logger, "reporting"),
	})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()
	realtimeNotifier, err := notify.NewRealtimeNotifier(dispatcher)
	if err != nil {
		return err
	}
	bridge, err := notify.NewBridge(notify.BridgeConfig{
		Notifier:   notify.MultiNotifier{notify.NewLogNotifier(logging.Component(logger, "notify")), realtimeNotifier},
		Dispatcher: dispatcher,
		Logger:     logging.Component(logger, "notify"),
	})
	if err != nil {
		return err
	}

	stopReporter := reporter.Start(signalCtx)
	detachBridge := bridge.Attach(components.engine)
	detachRelay := notify.RelayConnectivity(components.monitor, dispatcher)
	stopTrigger := trigger.Start(signalCtx)
	defer settle(stopTrigger, trigger, bridge, detachRelay, detachBridge, stopReporter)

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          components.store,
		Engine:         components.engine,
		Trigger:        trigger,
		Monitor:        components.monitor,
		Reporter:       reporter,
		Dispatcher:     dispatcher,
		Sessions:       sessions,
		SessionHolder:  components.holder,
		IDs:            queue.NewUUIDProvider(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("agent starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return reporter.Run(groupCtx)
	})
	if appConfig.ProbeURL != "" {
		prober, err := network.NewProber(network.ProberConfig{
			URL:      appConfig.ProbeURL,
			Interval: appConfig.ProbeInterval,
			Monitor:  components.monitor,
			Logger:   logging.Component(logger, "probe"),
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return prober.Run(groupCtx)
		})
	}

	err = group.Wait()
	logger.Info("agent stopping, waiting for in-flight drain")
	return err
}

// settle stops automatic drains and waits for the running one while its observers are
// still attached, so the final status is recorded and notified before they detach.
func settle(stopTrigger func(), trigger *syncengine.Trigger, bridge *notify.Bridge, detach ...func()) {
	stopTrigger()
	trigger.Wait()
	for _, release := range detach {
		release()
	}
	bridge.Wait()
}
