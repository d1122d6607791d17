// internal/vault/vault.go
//
// Vault client wrapper for configuration secrets.
//
// Context
// -------
//   - Wraps the HashiCorp Vault Go SDK for the one thing rankbot needs from
//     it: reading single keys of KV-v2 secrets (bot token, DB password)
//     while config loads.
//   - Keeps the token alive with a background renewer and caches each
//     resolved key for a caller-chosen TTL.
//
// Public workflow
// ---------------
//  1. cli, err := vault.New(ctx)                       // during boot.
//  2. pw,  err := cli.GetKV(ctx, path, key, ttl)       // config loader.
//
// Notes
// -----
// • VAULT_ADDR and VAULT_TOKEN come from the environment (falls back to
//   ~/.vault-token).
// • Oxford commas, two spaces after periods, no m-dash.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// ErrEmptyRef is returned when the secret path or key is missing.
var ErrEmptyRef = errors.New("vault: secret path and key must be non-empty")

//
// SECTION 1.  Public façade
//

// Client is safe for concurrent use.  Zero value is invalid.
type Client struct {
	api *vault.Client

	cacheMu sync.RWMutex
	cache   map[string]cached // canonical path#key → value + expiry.
}

type cached struct {
	val string
	exp time.Time
}

// New builds a client from the environment and starts token renewal,
// which stops with ctx.
func New(ctx context.Context) (*Client, error) {
	cfg := vault.DefaultConfig()
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault env cfg: %w", err)
	}

	apiCli, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault api: %w", err)
	}
	if tok := os.Getenv("VAULT_TOKEN"); tok != "" {
		apiCli.SetToken(tok)
	}

	c := &Client{api: apiCli, cache: make(map[string]cached)}
	go c.renewLoop(ctx)
	return c, nil
}

// GetKV fetches a single key from a KV-v2 secret at "<mount>/<path>".  If
// ttl > 0 the result is cached for that duration.
func (c *Client) GetKV(ctx context.Context, secretPath, key string, ttl time.Duration) (string, error) {
	if secretPath == "" || key == "" {
		return "", ErrEmptyRef
	}
	canonical := secretPath + "#" + key

	if v, ok := c.lookup(canonical); ok {
		return v, nil
	}

	mount, rel := splitMount(secretPath)
	sec, err := c.api.KVv2(mount).Get(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("vault get %s: %w", secretPath, err)
	}
	sval, err := stringField(sec.Data, secretPath, key)
	if err != nil {
		return "", err
	}

	if ttl > 0 {
		c.cacheMu.Lock()
		c.cache[canonical] = cached{val: sval, exp: time.Now().Add(ttl)}
		c.cacheMu.Unlock()
	}
	return sval, nil
}

func (c *Client) lookup(canonical string) (string, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	cv, ok := c.cache[canonical]
	if !ok || !time.Now().Before(cv.exp) {
		return "", false
	}
	return cv.val, true
}

//
// SECTION 2.  Background token renewal
//

func (c *Client) renewLoop(ctx context.Context) {
	for ctx.Err() == nil {
		backoff(ctx, c.renewOnce(ctx))
	}
}

// renewOnce watches one renewer until it stops and returns how long to
// wait before probing the token again.
func (c *Client) renewOnce(ctx context.Context) time.Duration {
	log := zap.S()

	sec, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		log.Warnw("vault token renew failed", "err", err)
		return 30 * time.Second
	}
	if sec == nil || sec.Auth == nil || !sec.Auth.Renewable {
		log.Infow("vault token is not renewable")
		return time.Hour
	}

	watcher, err := c.api.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: sec,
		Grace:  15 * time.Second,
	})
	if err != nil {
		log.Warnw("vault watcher init failed", "err", err)
		return 30 * time.Second
	}
	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-watcher.DoneCh():
			if err != nil {
				log.Warnw("vault token renewal stopped", "err", err)
			}
			return 15 * time.Second
		case ev := <-watcher.RenewCh():
			if ev != nil && ev.Secret != nil && ev.Secret.Auth != nil {
				log.Debugw("vault token renewed", "ttl_s", ev.Secret.Auth.LeaseDuration)
			}
		}
	}
}

//
// SECTION 3.  Helpers
//

func stringField(data map[string]any, secretPath, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault: key %q not found in secret %q", key, secretPath)
	}
	sval, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault: value at %s#%s is not a string", secretPath, key)
	}
	return sval, nil
}

func splitMount(p string) (mount, rel string) {
	mount, rel, _ = strings.Cut(p, "/")
	return mount, rel
}

func backoff(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
