package gantry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/gantry/gantry/config"
	"tangled.sh/tangled.sh/gantry/gantry/graph"
	"tangled.sh/tangled.sh/gantry/gantry/models"
	"tangled.sh/tangled.sh/gantry/log"
)

func Commands() []*cli.Command {
	return []*cli.Command{
		ServeCommand(),
		ValidateCommand(),
		RunCommand(),
	}
}

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the gantry server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx)
		},
		Description: `
Environment variables:
	GANTRY_SERVER_LISTEN_ADDR            (default: 0.0.0.0:6565)
	GANTRY_SERVER_DB_PATH                (default: gantry.db)
	GANTRY_SERVER_DEV                    (default: false)
	GANTRY_PIPELINES_DIR                 (default: pipelines)
	GANTRY_PIPELINES_LOG_DIR             (default: /var/log/gantry)
	GANTRY_PIPELINES_WORKSPACE_DIR       (default: /var/lib/gantry/workspaces)
	GANTRY_PIPELINES_WORKERS             (default: 4)
	GANTRY_PIPELINES_PARALLELISM         (default: 2)
	GANTRY_PIPELINES_QUEUE_SIZE          (default: 100)
	GANTRY_PIPELINES_ABORT_GRACE         (default: 30s)
	GANTRY_PIPELINES_RESUME_AFTER        (default: 1m)
	GANTRY_PIPELINES_HEARTBEAT_INTERVAL  (default: 15s)
	GANTRY_SECRETS_PROVIDER              (default: sqlite)
	GANTRY_SECRETS_OPENBAO_ADDR
	GANTRY_SECRETS_OPENBAO_ROLE_ID
	GANTRY_SECRETS_OPENBAO_SECRET_ID
	GANTRY_SECRETS_OPENBAO_MOUNT         (default: gantry)
	GANTRY_GIT_AUTHOR_NAME               (default: gantry)
	GANTRY_GIT_AUTHOR_EMAIL              (default: gantry@localhost)
	GANTRY_GIT_WORK_DIR                  (default: /var/lib/gantry/manifests)
	GANTRY_REGISTRY_INSECURE             (default: false)
	GANTRY_REDIS_ADDR
`,
	}
}

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check pipeline definitions without running them",
		ArgsUsage: "<file|dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("expected exactly one pipeline file or directory")
			}
			pipelines, err := loadPath(cmd.Args().First())
			if err != nil {
				return err
			}

			w := writer(cmd)
			for _, name := range graph.Names(pipelines) {
				p := pipelines[name]
				fmt.Fprintf(w, "%s: %d stages (%s)\n", name, p.Graph.Len(), strings.Join(p.Graph.TopoOrder(), " -> "))
			}
			return nil
		},
	}
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run one pipeline once and wait for it to finish",
		ArgsUsage: "<pipeline.yml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "revision",
				Aliases: []string{"r"},
				Usage:   "source revision to run",
			},
			&cli.Int64Flag{
				Name:  "resume",
				Usage: "id of a failed run to continue instead of starting from scratch",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "database path, overrides GANTRY_SERVER_DB_PATH",
			},
		},
		Action: runOnce,
	}
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	if cmd.Args().Len() != 1 {
		return errors.New("expected exactly one pipeline file")
	}
	pipelines, err := loadPath(cmd.Args().First())
	if err != nil {
		return err
	}
	if len(pipelines) != 1 {
		return fmt.Errorf("expected one pipeline, found %d", len(pipelines))
	}
	name := graph.Names(pipelines)[0]

	revision, resume := cmd.String("revision"), cmd.Int64("resume")
	if (revision == "") == (resume == 0) {
		return errors.New("expected exactly one of --revision and --resume")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if db := cmd.String("db"); db != "" {
		cfg.Server.DBPath = db
	}

	g, err := Make(ctx, cfg, pipelines)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.c.Start(ctx); err != nil {
		return err
	}
	defer g.c.Stop()

	var id int64
	if resume != 0 {
		id, err = g.c.Resume(ctx, resume)
	} else {
		id, err = g.c.Trigger(ctx, name, revision)
	}
	if err != nil {
		return err
	}
	logger.Info("run started", "run", id, "pipeline", name, "resumed_from", resume)

	run, err := g.c.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted, aborting run", "run", id)
		if err := g.c.Abort(context.Background(), id); err != nil {
			return err
		}
		run, err = g.c.Status(context.Background(), id)
	}
	if err != nil {
		return err
	}

	printRun(writer(cmd), run)
	if run.Status != models.RunSucceeded {
		return fmt.Errorf("run %d %s", run.Id, run.Status)
	}
	return nil
}

func loadPath(path string) (map[string]*graph.Pipeline, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return graph.Load(path)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := graph.FromFile(path, contents)
	if err != nil {
		return nil, err
	}
	return map[string]*graph.Pipeline{p.Name: p}, nil
}

func writer(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printRun(w io.Writer, run models.PipelineRun) {
	fmt.Fprintf(w, "run %d of %s at %s: %s\n", run.Id, run.Pipeline, run.Revision, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STAGE\tSTATUS\tATTEMPTS\tDURATION\tLOG")
	for _, s := range run.Stages {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n", s.Name, s.Status, s.Attempts, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond), s.LogPath)
	}
	tw.Flush()
}
