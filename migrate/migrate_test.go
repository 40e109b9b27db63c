package migrate

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushkin/deployer/api"
)

var dbs = map[string]api.Database{
	"Main":        {Type: "postgres", Name: "mystudymain", Host: "main.internal", User: "postgres", Pass: "pw", Port: 5432},
	"Transaction": {Type: "postgres", Name: "mystudytransaction", Host: "tx.internal", User: "postgres", Pass: "pw", Port: 5432},
}

func TestEnv(t *testing.T) {
	assert.Equal(t, []string{
		"DB_URL=postgres://postgres:pw@main.internal:5432/mystudymain",
		"PUSHKIN_DB_MAIN_URL=postgres://postgres:pw@main.internal:5432/mystudymain",
		"TRANSACTION_DATABASE_URL=postgres://postgres:pw@tx.internal:5432/mystudytransaction",
		"PUSHKIN_DB_TRANSACTION_URL=postgres://postgres:pw@tx.internal:5432/mystudytransaction",
	}, Env(dbs))
}

func TestMigratePassesDatabaseURLs(t *testing.T) {
	var out bytes.Buffer
	s := &Shell{
		Command: `echo "$DB_URL"; echo "$TRANSACTION_DATABASE_URL"`,
		Dir:     t.TempDir(),
		Stdout:  &out,
		Logger:  zerolog.Nop(),
	}
	require.NoError(t, s.Migrate(context.Background(), dbs))
	assert.Equal(t, "postgres://postgres:pw@main.internal:5432/mystudymain\n"+
		"postgres://postgres:pw@tx.internal:5432/mystudytransaction\n", out.String())
}

func TestMigrateExitStatus(t *testing.T) {
	var stderr bytes.Buffer
	s := &Shell{Command: `echo failing >&2; exit 3`, Stdout: &bytes.Buffer{}, Stderr: &stderr, Logger: zerolog.Nop()}
	err := s.Migrate(context.Background(), dbs)
	var exit *ExitError
	require.True(t, errors.As(err, &exit), "%v", err)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "failing\n", stderr.String())
}

func TestMigrateWithoutCommandIsSkipped(t *testing.T) {
	assert.NoError(t, (&Shell{Logger: zerolog.Nop()}).Migrate(context.Background(), dbs))
}

func TestMigrateSyntaxError(t *testing.T) {
	err := (&Shell{Command: `if then`, Logger: zerolog.Nop()}).Migrate(context.Background(), dbs)
	assert.ErrorContains(t, err, "parse migration command")
}
