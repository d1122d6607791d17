// internal/config/model.go
//
// Typed configuration model for rankbot.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   • optional `.env`                           – dotenv values,
//   • `conf/rankbot.yaml`                       – primary static file,
//   • `RANKBOT_`-prefixed environment overrides – highest precedence.
//
// Any value whose string begins with the prefix `vault:` is resolved
// through the Vault client *before* unmarshalling, so the model never
// stores Vault URIs, only plain strings.
//
// Notes
// -----
//   • Struct tags use `koanf:"…"`, not `yaml:"…"`.
//   • Durations accept Go syntax ("90s", "10m").
//   • The `Paths` block is filled at runtime; YAML must not try to set it.
//   • Oxford commas, two spaces after periods.  No em-dash.

package config

import (
	"path/filepath"
	"time"
)

//
// Bot section
//

// Bot holds gateway credentials and the host guild.
type Bot struct {
	Token       string `koanf:"token"         validate:"required"`
	HostGuildID string `koanf:"host_guild_id" validate:"omitempty,numeric"`
	OwnerID     string `koanf:"owner_id"      validate:"omitempty,numeric"`

	// ServesHost marks the process that reacts to host guild events.  When
	// several processes share a database only one of them should.
	ServesHost bool `koanf:"serves_host"`

	// MinMembers is the smallest cached member list a role lookup trusts.
	MinMembers int `koanf:"min_members" validate:"gte=0"`

	// SyncParallel bounds concurrent role calls per user.
	SyncParallel int `koanf:"sync_parallel" validate:"gte=0,lte=32"`
}

//
// Database section
//

// Database holds the DSN template and its secret.
//
// The DSN stays in YAML so operators can change host, port, or flags
// without touching Vault.  A DSN containing one %s verb receives Password,
// which is normally a `vault:` reference.
type Database struct {
	Driver       string        `koanf:"driver"        validate:"required,oneof=postgres mysql"`
	DSN          string        `koanf:"dsn"           validate:"required"`
	Password     string        `koanf:"password"`
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"gte=0"`
}

//
// Cache section
//

// Cache tunes row caches and the ledger cache.  Zero values fall back to
// package defaults.
type Cache struct {
	Lifetime       time.Duration `koanf:"lifetime"        validate:"gte=0"`
	SweepInterval  time.Duration `koanf:"sweep_interval"  validate:"gte=0"`
	LedgerTTL      time.Duration `koanf:"ledger_ttl"      validate:"gte=0"`
	LedgerCapacity int           `koanf:"ledger_capacity" validate:"gte=0"`
}

//
// HTTP section
//

// HTTP holds the operations listener.  Empty disables it.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"omitempty,hostname_port"`
}

//
// Log section
//

type Log struct {
	Dir     string `koanf:"dir"`
	Level   string `koanf:"level"   validate:"omitempty,oneof=debug info warn error"`
	Console bool   `koanf:"console"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime, never set in YAML or env.
type Paths struct {
	Root string // RANKBOT_ROOT or discovered parent
}

// LogDir returns Log.Dir, relative paths resolved against Root.
func (c *Config) LogDir() string {
	switch {
	case c.Log.Dir == "":
		return c.Paths.Root
	case filepath.IsAbs(c.Log.Dir):
		return c.Log.Dir
	}
	return filepath.Join(c.Paths.Root, c.Log.Dir)
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the process lifetime.
type Config struct {
	Bot      Bot      `koanf:"bot"`
	Database Database `koanf:"database"`
	Cache    Cache    `koanf:"cache"`
	HTTP     HTTP     `koanf:"http"`
	Log      Log      `koanf:"log"`
	Paths    Paths    `koanf:"-"`
}
