// Package app assembles a safeline process from its configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"safeline/internal/audit"
	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/executor"
	"safeline/internal/gates"
	"safeline/internal/lock"
	"safeline/internal/logging"
	"safeline/internal/metrics"
	"safeline/internal/migrate"
	"safeline/internal/notify"
	"safeline/internal/orchestrator"
	"safeline/internal/repo"
	"safeline/internal/telemetry"
)

// App holds every long-lived component of one process.
type App struct {
	Workspace    string
	Config       *config.Config
	DB           *sql.DB
	Logger       *logrus.Logger
	Evaluator    *gates.Evaluator
	Locker       lock.Locker
	Notifier     *notify.Notifier
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// Options tune Open beyond what the config file says.
type Options struct {
	LogOutput io.Writer
}

// Open migrates the workspace database and wires the orchestrator from cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: opts.LogOutput})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := repo.Repo{DB: conn}
	src, err := Telemetry(cfg, r, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	types, err := cfg.GateTypes()
	if err != nil {
		a.Close()
		return nil, err
	}
	th, err := cfg.GateThresholds()
	if err != nil {
		a.Close()
		return nil, err
	}
	warnUnknownThresholds(logger, cfg)
	a.Evaluator, err = gates.NewEvaluator(types, th, src)
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, closeLocker := Locker(cfg, conn)
	a.Locker = locker
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	a.Notifier, err = Notifier(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	auditLog := audit.Logger{DB: conn}
	a.Notifier.Delivered = func(n notify.Notification, ch notify.Channel, derr error) {
		metrics.RecordNotification(string(ch), derr)
		payload := audit.Payload{"channel": ch, "severity": n.Severity, "title": n.Title}
		if derr != nil {
			payload["error"] = derr.Error()
		}
		opID, _ := n.Metadata["operation_id"].(string)
		service, _ := n.Metadata["service"].(string)
		if _, err := auditLog.Record(context.Background(), audit.Entry{
			Type: audit.TypeNotificationSent, OperationID: opID, Service: service,
			ActorID: orchestrator.SystemActor, Payload: payload,
		}); err != nil {
			logger.WithError(err).Warn("audit notification failed")
		}
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		DB:       conn,
		Gates:    a.Evaluator,
		Locker:   a.Locker,
		Executor: Executor(cfg),
		Notifier: a.Notifier,
		Logger:   logger,
		Settings: orchestrator.Settings{
			LockTTL:      cfg.Lock.TTL,
			LockWait:     cfg.Lock.Wait,
			LockInterval: cfg.Lock.Interval,
		},
	})
	unbind := metrics.BindOperations(r.CountByState)
	a.closers = append(a.closers, func() error {
		unbind()
		return nil
	})
	return a, nil
}

// Reload applies the gate thresholds of cfg to the running evaluator. Other settings
// need a restart.
func (a *App) Reload(cfg *config.Config) error {
	th, err := cfg.GateThresholds()
	if err != nil {
		return err
	}
	if err := a.Evaluator.SetThresholds(th); err != nil {
		return err
	}
	warnUnknownThresholds(a.Logger, cfg)
	a.Config.Gates.Thresholds = cfg.Gates.Thresholds
	a.Logger.WithField("thresholds", th.Map()).Info("gate thresholds reloaded")
	return nil
}

func warnUnknownThresholds(logger logrus.FieldLogger, cfg *config.Config) {
	if keys := gates.UnknownThresholdKeys(cfg.Gates.Thresholds); len(keys) > 0 {
		logger.WithField("keys", keys).Warn("ignoring unknown gate thresholds")
	}
}

// Close waits for in-flight notifications and releases every resource.
func (a *App) Close() error {
	a.Notifier.Wait()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Telemetry builds the gate data source. Timing kinds are answered from the
// operation history; the rest come from the configured backend.
func Telemetry(cfg *config.Config, r repo.Repo, logger logrus.FieldLogger) (telemetry.Source, error) {
	var base telemetry.Source
	switch cfg.Telemetry.Source {
	case "prometheus":
		queries, err := cfg.PrometheusQueries()
		if err != nil {
			return nil, err
		}
		p, err := telemetry.NewPrometheus(cfg.Telemetry.Prometheus.Address, queries)
		if err != nil {
			return nil, err
		}
		if cfg.Telemetry.Prometheus.Timeout > 0 {
			p.Timeout = cfg.Telemetry.Prometheus.Timeout
		}
		p.Logger = logger
		base = p
	default:
		static := telemetry.NewStatic()
		for service, values := range cfg.Telemetry.Static {
			for name, v := range values {
				kind, err := telemetry.ParseKind(name)
				if err != nil {
					return nil, err
				}
				static.Set(service, kind, v)
			}
		}
		base = static
	}
	mux := &telemetry.Mux{Default: base}
	mux.Route(telemetry.NewHistory(r), telemetry.LastFailureUnix, telemetry.LastExecutionUnix)
	return mux, nil
}

// Locker returns the configured lock backend and its closer, if any.
func Locker(cfg *config.Config, conn *sql.DB) (lock.Locker, func() error) {
	if cfg.Lock.Backend == "redis" {
		r := lock.NewRedis(lock.RedisOptions{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			Prefix:   cfg.Lock.Redis.Prefix,
		})
		return r, r.Close
	}
	return lock.SQLite{DB: conn}, nil
}

// Notifier routes channels with a webhook to it and every other channel to the log.
func Notifier(cfg *config.Config, logger logrus.FieldLogger) (*notify.Notifier, error) {
	enabled, err := cfg.Channels()
	if err != nil {
		return nil, err
	}
	senders := map[notify.Channel]notify.Sender{}
	for _, ch := range []notify.Channel{notify.Chat, notify.Email, notify.Pager} {
		senders[ch] = notify.Log{Logger: logger}
	}
	client := &http.Client{}
	for name, hook := range cfg.Notify.Webhooks {
		ch, err := notify.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		senders[ch] = notify.Webhook{URL: hook.URL, Secret: hook.Secret, Client: client}
	}
	n := notify.New(enabled, senders, logger)
	if cfg.Notify.Timeout > 0 {
		n.Timeout = cfg.Notify.Timeout
	}
	return n, nil
}

func Executor(cfg *config.Config) executor.Executor {
	if cfg.Executor.Kind == "command" {
		return executor.Command{
			Commands:  cfg.Executor.Commands,
			Rollbacks: cfg.Executor.Rollbacks,
			Shell:     cfg.Executor.Shell,
			Dir:       cfg.Executor.Dir,
			Timeout:   cfg.Executor.Timeout,
		}
	}
	return executor.Noop{}
}
