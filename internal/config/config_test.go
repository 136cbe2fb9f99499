package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHATLINE_API_URL", "https://social.example.com/")
	t.Setenv("CHATLINE_TOKEN", "tok")
	t.Setenv("CHATLINE_USER_ID", "u1")
	t.Setenv("CHATLINE_MAX_TEXT", "300")
	t.Setenv("CHATLINE_HTTP_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "wss://social.example.com/ws", cfg.WSURL)
	require.Equal(t, TransportWebSocket, cfg.Transport)
	require.Equal(t, 300, cfg.MaxText)
	require.Equal(t, 3*time.Second, cfg.HTTPTimeout)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "chatline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: http://file.local
token: from-file
user_id: u9
transport: nats
log_level: debug
`), 0600))

	t.Setenv("CHATLINE_CONFIG", path)
	t.Setenv("CHATLINE_TOKEN", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://file.local", cfg.APIURL)
	require.Equal(t, "ws://file.local/ws", cfg.WSURL)
	require.Equal(t, "from-env", cfg.Token)
	require.Equal(t, "u9", cfg.UserID)
	require.Equal(t, TransportNATS, cfg.Transport)
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATLINE_TOKEN=dotenv\nCHATLINE_USER_ID=u5\n"), 0600))
	// godotenv does not override variables that are already set.
	t.Setenv("CHATLINE_USER_ID", "u7")
	t.Setenv("CHATLINE_TOKEN", "")
	require.NoError(t, os.Unsetenv("CHATLINE_TOKEN"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "dotenv", cfg.Token)
	require.Equal(t, "u7", cfg.UserID)
}

func TestValidate(t *testing.T) {
	valid := Config{APIURL: "http://x", Token: "t", UserID: "u", Transport: TransportWebSocket, HTTPTimeout: time.Second}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		change func(c *Config)
	}{
		{"NoToken", func(c *Config) { c.Token = "" }},
		{"NoUser", func(c *Config) { c.UserID = "" }},
		{"BadTransport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"NegativeMax", func(c *Config) { c.MaxText = -1 }},
		{"ZeroTimeout", func(c *Config) { c.HTTPTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.change(&c)
			require.Error(t, c.Validate())
		})
	}
}
