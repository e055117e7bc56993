// Command processor is the process entrypoint (spec.md section 4.F): by
// default it runs as a supervisor that spawns and restarts a worker
// child; "work" runs the mining loop directly and is only ever invoked
// by the supervisor spawning itself; "version" prints the build version.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/Coinversable/validana-processor/internal/config"
	"github.com/Coinversable/validana-processor/internal/contractrt"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
	"github.com/Coinversable/validana-processor/internal/errsink"
	"github.com/Coinversable/validana-processor/internal/miner"
	"github.com/Coinversable/validana-processor/internal/procmsg"
	"github.com/Coinversable/validana-processor/internal/store"
	"github.com/Coinversable/validana-processor/internal/supervisor"
	"github.com/Coinversable/validana-processor/internal/xlog"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

// tickInterval is how often the worker polls Tick; the pacing gate
// inside Tick (spec.md 4.D step 1) is what actually paces block
// production, not this loop.
const tickInterval = 1 * time.Second

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "automaxprocs: %v\n", err)
	}

	app := &cli.App{
		Name:   "processor",
		Usage:  "single-writer permissioned blockchain transaction processor",
		Flags:  configFlags,
		Action: runSupervise,
		Commands: []*cli.Command{
			{
				Name:   "work",
				Usage:  "run the mining loop directly (spawned by the supervisor)",
				Flags:  configFlags,
				Action: runWork,
				Hidden: true,
			},
			{
				Name:  "version",
				Usage: "print the build version",
				Action: func(*cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.Args().First())
	if err != nil {
		return config.Config{}, err
	}
	overlayFlags(ctx, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildLogger(cfg config.Config) *xlog.Logger {
	return xlog.New(xlog.Config{
		Level:    xlog.Level(cfg.LogLevel),
		Format:   cfg.LogFormat,
		Redactor: xlog.NewRedactor(cfg.Secrets()...),
	})
}

func connString(cfg config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		Path:   "/" + cfg.DBName,
	}
	return u.String()
}

// printConfigTable renders the resolved, secret-redacted configuration
// (teacher's cmd/geth favors human-readable startup diagnostics over a
// silent boot).
func printConfigTable(cfg config.Config) {
	r := cfg.Redacted()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"setting", "value"})
	table.AppendBulk([][]string{
		{"DBUSER", r.DBUser},
		{"DBNAME", r.DBName},
		{"DBHOST", r.DBHost},
		{"DBPORT", fmt.Sprint(r.DBPort)},
		{"DBPASSWORD", r.DBPassword},
		{"PRIVATE_KEY", r.PrivateKey},
		{"SIGN_PREFIX", r.SignPrefix},
		{"LOG_LEVEL", fmt.Sprint(r.LogLevel)},
		{"LOG_FORMAT", r.LogFormat},
		{"BLOCK_INTERVAL", fmt.Sprint(r.BlockIntervalSeconds)},
		{"MIN_BLOCK_INTERVAL", fmt.Sprint(r.MinBlockIntervalSeconds)},
		{"TRANSACTIONS_PER_BLOCK", fmt.Sprint(r.TransactionsPerBlock)},
		{"MAX_BLOCK_SIZE", fmt.Sprint(r.MaxBlockSize)},
		{"MAX_MEMORY", fmt.Sprint(r.MaxMemoryMB)},
		{"EXCLUDE_REJECTED", fmt.Sprint(r.ExcludeRejected)},
		{"SENTRY_URL", r.SentryURL},
	})
	table.Render()
}

func runSupervise(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	printConfigTable(cfg)

	sink, err := errsink.New(cfg.SentryURL, log.Redactor())
	if err != nil {
		return fmt.Errorf("processor: initialising error sink: %w", err)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("processor: resolving own binary path: %w", err)
	}

	sup := supervisor.New(selfPath, supervisor.Config{
		WorkerArgs:           os.Args[1:],
		BlockIntervalSeconds: cfg.BlockIntervalSeconds,
		MaxMemoryMB:          cfg.MaxMemoryMB,
	}, log, sink)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return sup.Run(sigCtx)
}

func runWork(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := buildLogger(cfg)

	sink, err := errsink.New(cfg.SentryURL, log.Redactor())
	if err != nil {
		return fmt.Errorf("processor: initialising error sink: %w", err)
	}
	defer sink.Flush()

	// An unhandled panic in the mining loop is logged at Crit (through
	// the redactor), reported to the sink, and ends the worker with 1.
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			log.Crit("unhandled panic in worker", "err", perr)
			sink.Report(perr, "component", "worker")
			sink.Flush()
			os.Exit(1)
		}
	}()

	priv, err := cryptoutil.ParseWIF(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("processor: parsing PRIVATE_KEY: %w", err)
	}

	gw := store.NewPGGateway(connString(cfg))
	rt := contractrt.New(gw)

	var shuttingDown atomic.Bool
	writer := procmsg.NewWriter(os.Stdout)
	reader := procmsg.NewReader(os.Stdin)

	// Supervisor -> worker shutdown handshake (spec.md 4.E): a shutdown
	// message on stdin sets the same flag a direct SIGINT/SIGTERM would,
	// since a worker run standalone (without a supervisor) must still
	// honor its own signals.
	go func() {
		for {
			msg, err := reader.Read()
			if err != nil {
				return
			}
			if msg.Type == procmsg.TypeShutdown {
				shuttingDown.Store(true)
			}
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shuttingDown.Store(true)
	}()

	loop := miner.New(gw, rt, priv, miner.Config{
		BlockIntervalSeconds:    cfg.BlockIntervalSeconds,
		MinBlockIntervalSeconds: cfg.MinBlockIntervalSeconds,
		TransactionsPerBlock:    cfg.TransactionsPerBlock,
		MaxBlockSize:            cfg.MaxBlockSize,
		ExcludeRejected:         cfg.ExcludeRejected,
		ProcessorAddress:        priv.Address(),
		SignPrefix:              []byte(cfg.SignPrefix),
	},
		miner.WithLogger(log),
		miner.WithShuttingDown(shuttingDown.Load),
		miner.WithMemoryReporter(func(mb int) { _ = writer.Write(procmsg.Report(mb)) }),
		miner.WithShutdown(func(code int) { os.Exit(code) }),
	)

	_ = writer.Write(procmsg.Init())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for !shuttingDown.Load() {
		if err := loop.Tick(context.Background()); err != nil {
			if errors.Is(err, miner.ErrStayDown) {
				return cli.Exit(err.Error(), 52)
			}
			log.Error("tick failed", "err", err)
			sink.Report(err, "component", "miner")
		}
		<-ticker.C
	}
	return nil
}
