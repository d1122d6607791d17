package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets map[string]string

func (f fakeSecrets) GetKV(_ context.Context, path, key string, _ time.Duration) (string, error) {
	if v, ok := f[path+"#"+key]; ok {
		return v, nil
	}
	return "", errors.New("no such secret")
}

func writeConf(t *testing.T, body string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "conf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "conf", fileName), []byte(body), 0o644))
	return root
}

const sample = `
bot:
  token: "vault:secret/rankbot#token"
  host_guild_id: "100"
  serves_host: true
database:
  driver: postgres
  dsn: "postgres://bot:%s@db/rankbot"
  password: "vault:secret/rankbot#db"
  query_timeout: 5s
cache:
  ledger_ttl: 2m
log:
  dir: logs
`

func TestLoadResolvesSecretsAndEnv(t *testing.T) {
	root := writeConf(t, sample)
	t.Setenv("RANKBOT_HTTP__LISTEN_ADDR", "127.0.0.1:9100")

	cfg, err := LoadWith(context.Background(), Options{Root: root, Secrets: fakeSecrets{
		"secret/rankbot#token": "tok",
		"secret/rankbot#db":    "pw",
	}})
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.Bot.Token)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Cache.LedgerTTL)
	assert.Equal(t, "127.0.0.1:9100", cfg.HTTP.ListenAddr)
	assert.True(t, cfg.Bot.ServesHost)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.LogDir())
	assert.Same(t, cfg, Get())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	secrets := fakeSecrets{"secret/rankbot#token": "tok"}

	root := writeConf(t, "bot:\n  token: x\ndatabase:\n  driver: sqlite\n  dsn: x\n")
	_, err := LoadWith(context.Background(), Options{Root: root, Secrets: secrets})
	assert.Error(t, err, "unsupported driver")

	root = writeConf(t, "bot:\n  token: x\ndatabase:\n  driver: mysql\n  dsn: \"u:%s@/db\"\n")
	_, err = LoadWith(context.Background(), Options{Root: root, Secrets: secrets})
	assert.Error(t, err, "dsn verb without password")

	root = writeConf(t, "bot:\n  token: \"vault:secret/rankbot\"\ndatabase:\n  driver: mysql\n  dsn: x\n")
	_, err = LoadWith(context.Background(), Options{Root: root, Secrets: secrets})
	assert.True(t, errors.Is(err, ErrBadSecretRef))
}
