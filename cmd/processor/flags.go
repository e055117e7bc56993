package main

import (
	"github.com/urfave/cli/v2"

	"github.com/Coinversable/validana-processor/internal/config"
)

// configFlags mirrors spec.md section 6's Configuration table one-for-one
// (teacher's own cmd/geth convention of one cli.Flag per config knob,
// each carrying its env var through EnvVars rather than a second,
// separate env-parsing path). The flags are consulted only as an
// explicit override on top of config.Load's own env/file resolution —
// see overlayFlags.
var configFlags = []cli.Flag{
	&cli.StringFlag{Name: "db-user", EnvVars: []string{"DBUSER"}, Usage: "database role the processor connects as"},
	&cli.StringFlag{Name: "db-name", EnvVars: []string{"DBNAME"}, Usage: "database name"},
	&cli.StringFlag{Name: "db-host", EnvVars: []string{"DBHOST"}, Usage: "database host"},
	&cli.IntFlag{Name: "db-port", EnvVars: []string{"DBPORT"}, Usage: "database port"},
	&cli.StringFlag{Name: "db-password", EnvVars: []string{"DBPASSWORD"}, Usage: "database password"},

	&cli.StringFlag{Name: "private-key", EnvVars: []string{"PRIVATE_KEY"}, Usage: "processor signing key, compressed WIF"},
	&cli.StringFlag{Name: "sign-prefix", EnvVars: []string{"SIGN_PREFIX"}, Usage: "chain-scoping sign prefix, <=255 UTF-8 bytes"},

	&cli.IntFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Usage: "0=trace .. 5=crit"},
	&cli.StringFlag{Name: "log-format", EnvVars: []string{"LOG_FORMAT"}, Usage: "$color $timestamp $message $error $severity template"},

	&cli.IntFlag{Name: "block-interval", EnvVars: []string{"BLOCK_INTERVAL"}, Usage: "seconds between heartbeat blocks"},
	&cli.IntFlag{Name: "min-block-interval", EnvVars: []string{"MIN_BLOCK_INTERVAL"}, Usage: "minimum seconds between blocks"},
	&cli.IntFlag{Name: "transactions-per-block", EnvVars: []string{"TRANSACTIONS_PER_BLOCK"}, Usage: "pending-fetch admission cap"},
	&cli.IntFlag{Name: "max-block-size", EnvVars: []string{"MAX_BLOCK_SIZE"}, Usage: "packed-byte ceiling per block"},
	&cli.IntFlag{Name: "max-memory", EnvVars: []string{"MAX_MEMORY"}, Usage: "worker RSS ceiling in MB before the supervisor restarts it"},
	&cli.BoolFlag{Name: "exclude-rejected", EnvVars: []string{"EXCLUDE_REJECTED"}, Usage: "omit rejected transactions from blocks"},

	&cli.StringFlag{Name: "sentry-url", EnvVars: []string{"SENTRY_URL"}, Usage: "optional error-reporting sink DSN"},
}

// overlayFlags applies any flag explicitly set on the command line (as
// opposed to merely defaulted from its EnvVars, which config.Load already
// read directly) on top of cfg.
func overlayFlags(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet("db-user") {
		cfg.DBUser = ctx.String("db-user")
	}
	if ctx.IsSet("db-name") {
		cfg.DBName = ctx.String("db-name")
	}
	if ctx.IsSet("db-host") {
		cfg.DBHost = ctx.String("db-host")
	}
	if ctx.IsSet("db-port") {
		cfg.DBPort = ctx.Int("db-port")
	}
	if ctx.IsSet("db-password") {
		cfg.DBPassword = ctx.String("db-password")
	}
	if ctx.IsSet("private-key") {
		cfg.PrivateKey = ctx.String("private-key")
	}
	if ctx.IsSet("sign-prefix") {
		cfg.SignPrefix = ctx.String("sign-prefix")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.Int("log-level")
	}
	if ctx.IsSet("log-format") {
		cfg.LogFormat = ctx.String("log-format")
	}
	if ctx.IsSet("block-interval") {
		cfg.BlockIntervalSeconds = ctx.Int("block-interval")
	}
	if ctx.IsSet("min-block-interval") {
		cfg.MinBlockIntervalSeconds = ctx.Int("min-block-interval")
	}
	if ctx.IsSet("transactions-per-block") {
		cfg.TransactionsPerBlock = ctx.Int("transactions-per-block")
	}
	if ctx.IsSet("max-block-size") {
		cfg.MaxBlockSize = ctx.Int("max-block-size")
	}
	if ctx.IsSet("max-memory") {
		cfg.MaxMemoryMB = ctx.Int("max-memory")
	}
	if ctx.IsSet("exclude-rejected") {
		cfg.ExcludeRejected = ctx.Bool("exclude-rejected")
	}
	if ctx.IsSet("sentry-url") {
		cfg.SentryURL = ctx.String("sentry-url")
	}
}
