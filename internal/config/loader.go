// internal/config/loader.go
//
// Configuration loader and hot-reloader.
//
/*
Context
--------
`Load()` builds one immutable `Config` struct from three layers (highest
precedence last):

  1. Optional `.env` file at `<root>/conf/.env`.
  2. `conf/rankbot.yaml`.
  3. Environment variables prefixed `RANKBOT_`, where `__` maps to “.”
     (e.g., `RANKBOT_HTTP__LISTEN_ADDR → http.listen_addr`).

Every string value of the form `vault:<mount>/<path>#<key>` is then
replaced by the secret it names, the tree is unmarshalled into typed
structs, validated, enriched with the runtime root path, and cached in an
`atomic.Pointer` for lock-free reads.  `Reload()` simply calls `Load()`
again and swaps the pointer.

Instrumentation
---------------
  • DEBUG spans: root discovery, YAML read, secret resolution.
  • ERROR spans: YAML parse, env overlay, unmarshal, validation failures.
  • INFO span: final “config loaded” with key highlights.
  • Logs use the global *sugared* logger (`zap.S()`) so early boot issues
    surface even before the file logger is installed.

Notes
-----
  • `rootDir()` climbs the cwd tree until it finds `conf/rankbot.yaml`, so
    `go run ./cmd/rankbot` works from any sub-directory.
  • The Vault client is created only when a reference is present.
  • Oxford commas, two spaces after periods.
*/
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/vault"
)

const (
	envPrefix   = "RANKBOT_"
	fileName    = "rankbot.yaml"
	vaultPrefix = "vault:"
	secretTTL   = 10 * time.Minute
)

// ErrBadSecretRef is returned for a `vault:` value without a `#key`.
var ErrBadSecretRef = errors.New("config: bad vault reference")

var current atomic.Pointer[Config]

// SecretSource resolves one key of a KV secret.  *vault.Client
// implements it.
type SecretSource interface {
	GetKV(ctx context.Context, secretPath, key string, ttl time.Duration) (string, error)
}

// Options overrides discovery, mainly for tests.
type Options struct {
	Root    string       // "" discovers
	Secrets SecretSource // nil dials Vault on the first reference
}

/*──────────────────────────── root discovery ───────────────────────────────*/

// rootDir resolves RANKBOT_ROOT or climbs directories until
// conf/rankbot.yaml is found.  Falls back to executable heuristic for
// production layout.
func rootDir() string {
	if r := os.Getenv(envPrefix + "ROOT"); r != "" {
		return r
	}

	wd, _ := os.Getwd()
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "conf", fileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir { // reached filesystem root
			break
		}
		dir = parent
	}

	exe, _ := os.Executable()
	if filepath.Base(filepath.Dir(exe)) == "bin" {
		return filepath.Dir(filepath.Dir(exe))
	}
	return wd
}

/*─────────────────────────────── loader ───────────────────────────────────*/

// Load reads .env, YAML, env overrides, resolves secrets, validates, and
// caches Config.
func Load(ctx context.Context) (*Config, error) { return LoadWith(ctx, Options{}) }

// LoadWith is Load with explicit options.
func LoadWith(ctx context.Context, opts Options) (*Config, error) {
	root := opts.Root
	if root == "" {
		root = rootDir()
	}
	zap.S().Debugw("config root resolved", "root", root)

	// .env (optional, no error if missing)
	_ = godotenv.Load(filepath.Join(root, "conf", ".env"))

	k := koanf.New(".")

	yamlPath := filepath.Join(root, "conf", fileName)
	if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
		zap.S().Errorw("config yaml load failed", "file", yamlPath, "err", err)
		return nil, err
	}
	zap.S().Debugw("config yaml loaded", "file", yamlPath)

	// Env overrides: RANKBOT_HTTP__LISTEN_ADDR → http.listen_addr
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "__", "."))
	}), nil); err != nil {
		zap.S().Errorw("config env overlay failed", "err", err)
		return nil, err
	}

	if err := resolveSecrets(ctx, k, opts.Secrets); err != nil {
		zap.S().Errorw("config secret resolution failed", "err", err)
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		zap.S().Errorw("config unmarshal failed", "err", err)
		return nil, err
	}

	cfg.Paths.Root = root
	if err := validateStruct(&cfg); err != nil {
		zap.S().Errorw("config validation failed", "err", err)
		return nil, err
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"driver", cfg.Database.Driver,
		"host_guild", cfg.Bot.HostGuildID,
		"serves_host", cfg.Bot.ServesHost,
		"listen_addr", cfg.HTTP.ListenAddr,
		"root", cfg.Paths.Root,
	)
	return &cfg, nil
}

/*──────────────────────────── secrets ─────────────────────────────────────*/

// resolveSecrets swaps every `vault:` string for its secret.
func resolveSecrets(ctx context.Context, k *koanf.Koanf, src SecretSource) error {
	for _, key := range k.Keys() {
		s, ok := k.Get(key).(string)
		if !ok || !strings.HasPrefix(s, vaultPrefix) {
			continue
		}
		path, field, err := parseSecretRef(s)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		if src == nil {
			cli, err := vault.New(ctx)
			if err != nil {
				return fmt.Errorf("config %s: %w", key, err)
			}
			src = cli
		}
		val, err := src.GetKV(ctx, path, field, secretTTL)
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		if err := k.Set(key, val); err != nil {
			return err
		}
		zap.S().Debugw("config secret resolved", "key", key, "path", path)
	}
	return nil
}

// parseSecretRef splits `vault:<mount>/<path>#<key>`.
func parseSecretRef(s string) (path, key string, err error) {
	ref := strings.TrimPrefix(s, vaultPrefix)
	path, key, ok := strings.Cut(ref, "#")
	if !ok || path == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadSecretRef, s)
	}
	return path, key, nil
}

/*──────────────────────────── helpers ─────────────────────────────────────*/

func Get() *Config { return current.Load() }

func Reload(ctx context.Context) error { _, err := Load(ctx); return err }
