package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/notify"
	"github.com/whatsapp-automation/sessiond/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func tempEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SESSIOND_DATABASE_DIALECT", "sqlite")
	t.Setenv("SESSIOND_DATABASE_DSN", filepath.Join(dir, "sessiond.db"))
	t.Setenv("SESSIOND_AUTH_DIR", filepath.Join(dir, "sessions"))
	t.Setenv("SESSIOND_LOG_LEVEL", "error")
	return dir
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sessiond dev")
	assert.Contains(t, out, "commit: none")
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.0", "abc123"
	defer func() { Version, Commit = origVersion, origCommit }()

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sessiond 1.2.0")
	assert.Contains(t, out, "commit: abc123")
}

func TestRootCmdHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "serve", "migrate", "logout"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestMigrateCmd(t *testing.T) {
	dir := tempEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	db, err := store.Open("sqlite", filepath.Join(dir, "sessiond.db"))
	require.NoError(t, err)
	for _, m := range store.Models() {
		assert.True(t, db.Migrator().HasTable(m), "table for %T", m)
	}
}

func TestMigrateCmdInvalidConfig(t *testing.T) {
	tempEnv(t)
	t.Setenv("SESSIOND_DATABASE_DIALECT", "oracle")

	_, err := run(t, "migrate")
	assert.Error(t, err)
}

func TestLogoutCmdRejectsBadID(t *testing.T) {
	_, err := run(t, "logout", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account id")

	_, err = run(t, "logout")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "debug", log.Logger.GetLevel().String())

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewAppWiresLocalStack(t *testing.T) {
	tempEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	log, err := newLogger(cfg.Log)
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, log)
	require.NoError(t, err)
	defer a.Close()
	assert.True(t, a.db.Migrator().HasTable(&store.Whatsapp{}))

	job, err := a.importJob()
	require.NoError(t, err)
	assert.IsType(t, history.LogJob{}, job)

	bus, err := a.notificationBus(context.Background())
	require.NoError(t, err)
	require.IsType(t, notify.Multi{}, bus)
	assert.Len(t, bus.(notify.Multi), 1)

	assert.NoError(t, a.manager.StartAll(context.Background()))
	assert.Empty(t, a.manager.Sessions())
	a.manager.Shutdown()
}
