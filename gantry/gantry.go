package gantry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tangled.sh/tangled.sh/gantry/gantry/config"
	"tangled.sh/tangled.sh/gantry/gantry/coordinator"
	"tangled.sh/tangled.sh/gantry/gantry/db"
	"tangled.sh/tangled.sh/gantry/gantry/executor"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/manifest"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/gantry/publisher"
	"tangled.sh/tangled.sh/gantry/gantry/secrets"
	"tangled.sh/tangled.sh/gantry/log"
	"tangled.sh/tangled.sh/gantry/notifier"
)

type Gantry struct {
	cfg    *config.Config
	db     *db.DB
	n      *notifier.Notifier
	sm     secrets.Manager
	c      *coordinator.Coordinator
	logDir string
	l      *slog.Logger

	closers []func()
}

// Make wires the database, credential store, stage actions and coordinator
// together. The coordinator is not started.
func Make(ctx context.Context, cfg *config.Config, pipelines map[string]*graph.Pipeline) (*Gantry, error) {
	logger := log.FromContext(ctx)
	g := &Gantry{cfg: cfg, l: logger, logDir: cfg.Pipelines.LogDir}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to setup db: %w", err)
	}
	g.db = d
	g.closers = append(g.closers, func() { d.Close() })

	sm, err := newSecretsManager(cfg, logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	g.sm = sm
	if s, ok := sm.(secrets.Stopper); ok {
		g.closers = append(g.closers, s.Stop)
	}

	locker, err := newLocker(ctx, cfg.Redis)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to setup manifest lock: %w", err)
	}

	exec := newExecutor(cfg, sm, locker, logger)

	g.n = notifier.New()
	g.c, err = coordinator.New(d, g.n, exec, pipelines, coordinator.OptionsFromConfig(cfg.Pipelines), logger)
	if err != nil {
		g.Close()
		return nil, err
	}

	return g, nil
}

func newSecretsManager(cfg *config.Config, l *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		if cfg.Secrets.OpenBao.Addr == "" {
			return nil, errors.New("openbao address is required when using the openbao provider")
		}
		l.Info("using openbao secrets provider", "address", cfg.Secrets.OpenBao.Addr, "mount", cfg.Secrets.OpenBao.Mount)
		return secrets.NewOpenBaoManager(
			cfg.Secrets.OpenBao.Addr,
			cfg.Secrets.OpenBao.RoleID,
			cfg.Secrets.OpenBao.SecretID,
			l,
			secrets.WithMountPath(cfg.Secrets.OpenBao.Mount),
		)
	case "sqlite", "":
		l.Info("using sqlite secrets provider", "path", cfg.Server.DBPath)
		return secrets.NewSQLiteManager(cfg.Server.DBPath, secrets.WithTableName("secrets"))
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Secrets.Provider)
	}
}

// newLocker serializes manifest pushes through redis when several gantry
// instances share one manifest repository, in process otherwise.
func newLocker(ctx context.Context, cfg config.Redis) (manifest.Locker, error) {
	if cfg.Addr == "" {
		return manifest.NewLocalLocker(), nil
	}
	client, err := manifest.NewRedisClient(ctx, cfg.Addr)
	if err != nil {
		return nil, err
	}
	return manifest.NewRedisLocker(client), nil
}

func newExecutor(cfg *config.Config, sm secrets.Manager, locker manifest.Locker, l *slog.Logger) *executor.Executor {
	pub := publisher.New(
		publisher.WithInsecure(cfg.Registry.Insecure),
		publisher.WithLogger(l),
	)
	repo := manifest.NewGitRepository(cfg.Git.WorkDir, manifest.WithAuthor(cfg.Git.AuthorName, cfg.Git.AuthorEmail))

	opts := []executor.Option{
		executor.WithLogger(l),
		executor.WithAction(models.ActionShell, executor.NewShellAction()),
		executor.WithAction(models.ActionCheckout, executor.NewCheckoutAction()),
		executor.WithAction(models.ActionPublish, executor.NewPublishAction(pub)),
		executor.WithAction(models.ActionUpdateManifest, executor.NewManifestAction(repo, locker, pub)),
	}

	if container, err := executor.NewContainerAction(); err != nil {
		l.Warn("docker is unavailable, container stages will fail", "error", err)
	} else {
		opts = append(opts, executor.WithAction(models.ActionContainer, container))
	}

	return executor.New(cfg.Pipelines.LogDir, sm, opts...)
}

func (g *Gantry) Coordinator() *coordinator.Coordinator {
	return g.c
}

func (g *Gantry) DB() *db.DB {
	return g.db
}

func (g *Gantry) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}
