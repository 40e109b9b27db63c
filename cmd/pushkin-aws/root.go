package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pushkin/deployer/config"
)

// rootOptions carries the global flags and the state derived from them
// before a subcommand runs.
type rootOptions struct {
	configFile string
	logLevel   string
	flags      config.Config

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pushkin-aws",
		Short:         "Deploy a Pushkin project to AWS",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd.Flags().Changed)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "settings file (default "+config.DefaultFile+" when present)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.flags.Region, "region", "", "AWS region")
	flags.StringVar(&opts.flags.Profile, "profile", "", "shared config profile")
	flags.StringVar(&opts.flags.EndpointURL, "endpoint-url", "", "custom AWS endpoint, for simulators")
	flags.StringVar(&opts.flags.Descriptor, "descriptor", "", "deployment descriptor path")
	flags.StringVar(&opts.flags.ComposeFile, "compose-file", "", "docker-compose file listing the workers")
	flags.StringVar(&opts.flags.SiteDir, "site-dir", "", "built front-end directory")
	flags.StringVar(&opts.flags.APIDir, "api-dir", "", "api build context")
	flags.Int64Var(&opts.flags.MaxParallel, "max-parallel", 0, "maximum concurrently running tasks")
	flags.IntVar(&opts.flags.DesiredCount, "desired-count", 0, "tasks per service")
	flags.StringVar(&opts.flags.MigrateCmd, "migrate-cmd", "", "shell command running the database migrations")

	cmd.AddCommand(
		newInitCommand(opts),
		newUpdateCommand(opts),
		newArmageddonCommand(opts),
		newListCommand(opts),
	)
	return cmd
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("component", "pushkin-aws").Logger().
		Level(lvl)
}

// setup loads the layered configuration and applies the flags that were
// set on the command line.
func (o *rootOptions) setup(changed func(string) bool) error {
	o.logger = newLogger(o.logLevel)
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	applyFlags(&cfg, o.flags, changed)
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func applyFlags(cfg *config.Config, f config.Config, changed func(string) bool) {
	set := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	set("region", &cfg.Region, f.Region)
	set("profile", &cfg.Profile, f.Profile)
	set("endpoint-url", &cfg.EndpointURL, f.EndpointURL)
	set("descriptor", &cfg.Descriptor, f.Descriptor)
	set("compose-file", &cfg.ComposeFile, f.ComposeFile)
	set("site-dir", &cfg.SiteDir, f.SiteDir)
	set("api-dir", &cfg.APIDir, f.APIDir)
	set("migrate-cmd", &cfg.MigrateCmd, f.MigrateCmd)
	if changed("max-parallel") {
		cfg.MaxParallel = f.MaxParallel
	}
	if changed("desired-count") {
		cfg.DesiredCount = f.DesiredCount
	}
}
