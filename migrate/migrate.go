// Package migrate runs the project's database migrations as a shell
// command once both production databases are reachable.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/topology"
)

// Shell runs Command through a POSIX shell interpreter with the database
// connection URLs in its environment:
//
//	DB_URL                    main database
//	TRANSACTION_DATABASE_URL  transaction database
//	PUSHKIN_DB_<NAME>_URL     every database by logical name
type Shell struct {
	Command string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  zerolog.Logger
}

var _ topology.Migrator = (*Shell)(nil)

// ExitError reports a migration command that ran but did not succeed.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("migration command %q exited with status %d", e.Command, e.Code)
}

// Migrate runs the command. An empty command skips migrations.
func (s *Shell) Migrate(ctx context.Context, dbs map[string]api.Database) error {
	if strings.TrimSpace(s.Command) == "" {
		s.Logger.Warn().Msg("no migration command configured, skipping migrations")
		return nil
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(s.Command), "")
	if err != nil {
		return fmt.Errorf("parse migration command: %w", err)
	}

	stdout, stderr := s.Stdout, s.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	opts := []interp.RunnerOption{
		interp.StdIO(nil, stdout, stderr),
		interp.Env(expand.ListEnviron(append(os.Environ(), Env(dbs)...)...)),
	}
	if s.Dir != "" {
		opts = append(opts, interp.Dir(s.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("migration shell: %w", err)
	}

	s.Logger.Info().Int("databases", len(dbs)).Msg("running migrations")
	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return &ExitError{Command: s.Command, Code: int(status)}
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	s.Logger.Info().Msg("migrations finished")
	return nil
}

// Env returns the connection variables for dbs, sorted.
func Env(dbs map[string]api.Database) []string {
	names := make([]string, 0, len(dbs))
	for name := range dbs {
		names = append(names, name)
	}
	sort.Strings(names)

	var env []string
	for _, name := range names {
		u := topology.DatabaseURL(dbs[name])
		switch name {
		case topology.MainDB:
			env = append(env, "DB_URL="+u)
		case topology.TransactionDB:
			env = append(env, "TRANSACTION_DATABASE_URL="+u)
		}
		env = append(env, "PUSHKIN_DB_"+strings.ToUpper(api.Sanitize(name))+"_URL="+u)
	}
	return env
}
