package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/bugscout/internal/storage"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tempDatabase(t *testing.T) string {
	t.Helper()
	return "sqlite:file:" + filepath.Join(t.TempDir(), "bugscout.sqlite")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "project", "cleanup"} {
		assert.True(t, names[want], want)
	}
}

func TestMigrateAndProjectCreate(t *testing.T) {
	db := tempDatabase(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	out, err := runCmd(t, "--config", missing, "--database-url", db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date")

	out, err = runCmd(t, "--config", missing, "--database-url", db, "project", "create", "--name", "storefront")
	require.NoError(t, err)
	assert.Contains(t, out, "Project: storefront")

	var apiKey string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "API Key: ") {
			apiKey = strings.TrimPrefix(line, "API Key: ")
		}
	}
	require.True(t, strings.HasPrefix(apiKey, "bs_"))

	out, err = runCmd(t, "--config", missing, "--database-url", db, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "storefront")
	assert.Contains(t, out, apiKey)

	store, err := storage.Open(context.Background(), db)
	require.NoError(t, err)
	defer store.Close()
	p, err := store.ProjectByAPIKey(context.Background(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, "storefront", p.Name)
}

func TestProjectCreate_RequiresName(t *testing.T) {
	_, err := runCmd(t, "--database-url", tempDatabase(t), "project", "create")
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	db := tempDatabase(t)
	cfgPath := filepath.Join(t.TempDir(), "bugscout.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("retention:\n  days: 14\n"), 0o600))

	_, err := runCmd(t, "--config", cfgPath, "--database-url", db, "migrate")
	require.NoError(t, err)

	out, err := runCmd(t, "--config", cfgPath, "--database-url", db, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 events older than 14 days")

	out, err = runCmd(t, "--config", cfgPath, "--database-url", db, "cleanup", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "older than 3 days")

	_, err = runCmd(t, "--config", cfgPath, "--database-url", db, "cleanup", "--days", "-1")
	assert.Error(t, err)
}

func TestMissingDatabaseURL(t *testing.T) {
	_, err := runCmd(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "migrate")
	assert.ErrorContains(t, err, "database url not set")
}
