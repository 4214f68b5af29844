package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/config"
	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/executor"
	"github.com/kebairia/safedeploy/internal/health"
	"github.com/kebairia/safedeploy/internal/lock"
	"github.com/kebairia/safedeploy/internal/logger"
	"github.com/kebairia/safedeploy/internal/metrics"
	"github.com/kebairia/safedeploy/internal/orchestrator"
	"github.com/kebairia/safedeploy/internal/rollback"
	"github.com/kebairia/safedeploy/internal/vault"
)

// defaultConfigFile is used when --config is not given and the file exists.
const defaultConfigFile = "safedeploy.yaml"

// app holds every component built from the configuration.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	exec     executor.Executor
	lock     *lock.FileLock
	store    *backup.Store
	runner   *deploy.Runner
	checker  *health.Checker
	rollback *rollback.Controller
}

// newApp loads the configuration and wires the components.
func newApp() (*app, error) {
	path := ConfigFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &config.Config{}
	if err := cfg.Load(path); err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if LogLevel != "" {
		level = LogLevel
	}
	log, err := logger.New(logger.Options{Level: level, Development: cfg.Log.Development})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log.Debug("configuration loaded", "path", path, "project_dir", cfg.ProjectDir)

	codec, err := backup.ParseCodec(cfg.Backup.Compression)
	if err != nil {
		return nil, err
	}

	exec := executor.OS{}

	var secrets deploy.SecretSource
	if cfg.Vault.Address != "" && cfg.Vault.SecretPath != "" {
		secrets = vault.NewSource(cfg.Vault.SecretPath,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName),
		)
	}

	runner := deploy.NewRunner(deploy.Config{
		Entrypoint:     cfg.Deploy.Entrypoint,
		StandardArgs:   cfg.Deploy.StandardArgs,
		ProductionArgs: cfg.Deploy.ProductionArgs,
		Dir:            cfg.ProjectDir,
		Env:            cfg.Deploy.Env,
		StopCommand:    cfg.Deploy.StopCommand,
		StopTimeout:    cfg.Deploy.StopTimeout,
	}, exec, secrets, log)

	host, _ := os.Hostname()
	store := backup.NewStore(backup.Options{
		Root:            cfg.Backup.Directory,
		Files:           cfg.ConfigFilePaths(),
		DataDir:         cfg.Backup.DataDirectory,
		Codec:           codec,
		ServicesCommand: cfg.Backup.ServicesCommand,
		ImagesCommand:   cfg.Backup.ImagesCommand,
		Timeout:         cfg.Backup.Timeout,
		Host:            host,
		ToolVersion:     Version,
	}, executor.InDir(exec, cfg.ProjectDir), backup.WithLogger(log), backup.WithStopper(runner))

	checker := health.NewChecker(
		health.ProbesFromConfig(cfg.Health, cfg.ProjectDir, exec, nil),
		cfg.Health.ProbeTimeout,
		log,
	)

	rb := rollback.NewController(store, runner, checker, rollback.Options{
		DeployTimeout: cfg.Rollback.DeployTimeout,
		SettleDelay:   cfg.Rollback.SettleDelay,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		exec:     exec,
		lock:     lock.New(cfg.Lock.Path),
		store:    store,
		runner:   runner,
		checker:  checker,
		rollback: rb,
	}, nil
}

// orchestrator builds the safe-deploy state machine, with metrics export when configured.
func (a *app) orchestrator() *orchestrator.Orchestrator {
	opts := []orchestrator.Option{orchestrator.WithLogger(a.log)}
	if a.cfg.Metrics.TextfilePath != "" {
		count := func() (int, error) {
			ids, err := a.store.List()
			return len(ids), err
		}
		opts = append(opts, orchestrator.WithRecorder(metrics.NewTextfile(a.cfg.Metrics.TextfilePath, count, a.log)))
	}
	return orchestrator.New(orchestrator.Config{
		StandardTimeout:   a.cfg.Deploy.StandardTimeout,
		ProductionTimeout: a.cfg.Deploy.ProductionTimeout,
		SettleDelay:       a.cfg.Health.SettleDelay,
		KeepCount:         a.cfg.Backup.KeepCount,
		Binaries:          a.cfg.Prerequisites.Binaries,
	}, a.lock, a.store, a.runner, a.checker, a.rollback, a.exec, opts...)
}

// withLock runs fn while holding the run lock. A held lock maps to the
// prerequisite exit code.
func (a *app) withLock(fn func() error) error {
	if err := a.lock.Acquire(); err != nil {
		return withExitCode(orchestrator.ExitPrerequisite, err)
	}
	defer func() {
		if err := a.lock.Release(); err != nil {
			a.log.Warn("release run lock", "error", err)
		}
	}()
	return fn()
}

func (a *app) close() {
	_ = a.log.Sync()
}
