package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[node]
port = 9500
bootstrap = ["/ip4/10.0.0.1/tcp/9400/p2p/12D3KooWExample"]
handshake_timeout = "3s"

[log]
level = "debug"

[rules]
transaction_timeout = "250ms"

[[party]]
key = "0101010101010101010101010101010101010101010101010101010101010101"
rules = "feeds"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Node.Port)
	assert.Equal(t, "./partyd-data", cfg.Node.DataDir)
	assert.Equal(t, "json", cfg.Node.Codec)
	assert.Len(t, cfg.Node.Bootstrap, 1)
	assert.Equal(t, 3*time.Second, cfg.Node.HandshakeTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Node.DiscoveryInterval.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Rules.TransactionTimeout.Std())
	assert.True(t, cfg.Rules.Live)
	assert.True(t, cfg.API.Enable)
	require.Len(t, cfg.Parties, 1)
	assert.Equal(t, "feeds", cfg.Parties[0].Rules)
	assert.Equal(t, filepath.Join("./partyd-data", "identity.key"), cfg.IdentityPath())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"bad port":     "[node]\nport = 70000\n",
		"bad duration": "[rules]\ntransaction_timeout = \"soon\"\n",
		"bad party":    "[[party]]\nkey = \"abcd\"\n",
		"empty data":   "[node]\ndata_dir = \" \"\n",
		"not toml":     "[node\n",
		"bad codec":    "[node]\ncodec = \"xml\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "node.toml")
	cfg := Default()
	cfg.Node.IdentityFile = "/var/lib/partyd/id.key"
	cfg.Rules.Live = false
	cfg.Node.Codec = "msgpack"
	cfg.Node.Bootstrap = []string{"/ip4/127.0.0.1/tcp/9400/p2p/12D3KooWExample"}
	cfg.API.CorsOrigins = []string{"http://localhost:3000"}
	cfg.Parties = []PartyConfig{{Key: "0202020202020202020202020202020202020202020202020202020202020202", Rules: "feeds"}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, "/var/lib/partyd/id.key", loaded.IdentityPath())
}
