package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6565"`
	DBPath     string `env:"DB_PATH, default=gantry.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	Dir               string        `env:"DIR, default=pipelines"`
	LogDir            string        `env:"LOG_DIR, default=/var/log/gantry"`
	WorkspaceDir      string        `env:"WORKSPACE_DIR, default=/var/lib/gantry/workspaces"`
	Workers           int           `env:"WORKERS, default=4"`
	Parallelism       int           `env:"PARALLELISM, default=2"`
	QueueSize         int           `env:"QUEUE_SIZE, default=100"`
	AbortGrace        time.Duration `env:"ABORT_GRACE, default=30s"`
	ResumeAfter       time.Duration `env:"RESUME_AFTER, default=1m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL, default=15s"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=gantry"`
}

type Git struct {
	AuthorName  string `env:"AUTHOR_NAME, default=gantry"`
	AuthorEmail string `env:"AUTHOR_EMAIL, default=gantry@localhost"`
	WorkDir     string `env:"WORK_DIR, default=/var/lib/gantry/manifests"`
}

type Registry struct {
	Insecure bool `env:"INSECURE, default=false"`
}

type Redis struct {
	Addr string `env:"ADDR"`
}

type Config struct {
	Server    Server    `env:",prefix=GANTRY_SERVER_"`
	Pipelines Pipelines `env:",prefix=GANTRY_PIPELINES_"`
	Secrets   Secrets   `env:",prefix=GANTRY_SECRETS_"`
	Git       Git       `env:",prefix=GANTRY_GIT_"`
	Registry  Registry  `env:",prefix=GANTRY_REGISTRY_"`
	Redis     Redis     `env:",prefix=GANTRY_REDIS_"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes the config against an arbitrary lookuper, which is
// what tests use to avoid touching the process environment.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
