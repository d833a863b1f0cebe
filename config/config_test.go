package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/config"
)

func TestLoadFillsDefaultsWhenNoFileExists(t *testing.T) {
	dir := t.TempDir()
	g, err := config.Load(dir)
	require.NoError(t, err)

	d := g.Get()
	require.Equal(t, 8080, d.Port)
	require.Equal(t, "sqlite", d.StoreDriver)
	require.Equal(t, 1024, d.MaxSubscriberQueue)
}

func TestSetPersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	g, err := config.Load(dir)
	require.NoError(t, err)

	d := g.Get()
	d.Port = 9999
	d.DefaultShell = "/bin/zsh"
	require.NoError(t, g.Set(d))

	reloaded, err := config.Load(dir)
	require.NoError(t, err)
	got := reloaded.Get()
	require.Equal(t, 9999, got.Port)
	require.Equal(t, "/bin/zsh", got.DefaultShell)
}

func TestSetRoundTripKeepsUntouchedDefaults(t *testing.T) {
	dir := t.TempDir()
	g, err := config.Load(dir)
	require.NoError(t, err)
	d := g.Get()
	d.Port = 1234
	require.NoError(t, g.Set(d))

	reloaded, err := config.Load(dir)
	require.NoError(t, err)
	got := reloaded.Get()
	require.Equal(t, 1234, got.Port)
	// untouched fields still hold their defaults after the round trip.
	require.Equal(t, 30, got.RetentionDays)
}

func TestLoadCreatesConfDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conf")
	_, err := config.Load(dir)
	require.NoError(t, err)
}
