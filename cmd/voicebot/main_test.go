package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "voicebot.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
ari:
  url: http://pbx:8088/ari
  app: callcenter
  password: secret
dialogue:
  default_route: soporte
`), 0o600))
	t.Setenv("VOICEBOT_HTTP_ADDR", ":9100")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", file})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configFile = ""
	})

	require.NoError(t, rootCmd.Execute())

	dump := out.String()
	assert.Contains(t, dump, "app: callcenter")
	assert.Contains(t, dump, "default_route: soporte")
	assert.Contains(t, dump, ":9100")
	assert.Contains(t, dump, "***")
	assert.NotContains(t, dump, "secret")
}

func TestConfigCommandInvalidFile(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configFile = ""
	})

	assert.Error(t, rootCmd.Execute())
}
