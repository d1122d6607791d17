// internal/command/command.go
//
// Slash commands and the permission gate in front of them.
//
// Context
// -------
// A Command pairs a handler with the Requirement its caller must satisfy.
// Registry holds the commands; Dispatcher looks one up, loads the caller's
// ledger, checks the Requirement, and only then runs the handler.  A
// caller who fails the check, or whose check cannot be decided, gets
// ErrMissingPermissions and the handler never runs.
//
// The gateway adapter turns platform interactions into Interaction values
// and Reply values back into responses, so nothing here imports the
// platform SDK.
//
// Notes
// -----
// • Requirements are validated at registration, so a malformed one fails
//   at start-up instead of at the first invocation.
package command

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/permissions"
)

var (
	// ErrUnknownCommand is returned for a name nothing is registered under.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrMissingPermissions is returned when the caller fails the
	// command's Requirement.
	ErrMissingPermissions = errors.New("command: missing permissions")
)

// IsMissingPermissions reports whether err wraps ErrMissingPermissions.
func IsMissingPermissions(err error) bool { return errors.Is(err, ErrMissingPermissions) }

// IsUnknownCommand reports whether err wraps ErrUnknownCommand.
func IsUnknownCommand(err error) bool { return errors.Is(err, ErrUnknownCommand) }

// Interaction is one command invocation.
type Interaction struct {
	Name      string
	GuildID   string // "" in direct messages
	ChannelID string
	UserID    string
	Member    *guild.Member // nil in direct messages
	Options   map[string]string
}

// Option returns the named option or "".
func (in *Interaction) Option(name string) string { return in.Options[name] }

// Reply is what the caller sees.
type Reply struct {
	Content   string
	Ephemeral bool
}

// Handler runs a command for an authorised caller.
type Handler func(ctx context.Context, in *Interaction, caller *permissions.Permissible) (Reply, error)

// Option declares a string option.
type Option struct {
	Name        string
	Description string
	Required    bool
}

// Command is one slash command.
type Command struct {
	Name        string
	Description string
	Options     []Option
	Requirement permissions.Requirement
	Handler     Handler
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd.  Names must be unique and requirements valid.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command: %q needs a name and a handler", cmd.Name)
	}
	if err := cmd.Requirement.Validate(); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[cmd.Name]; dup {
		return fmt.Errorf("command: %s registered twice", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// RegisterAll registers cmds in order and stops at the first error.
func (r *Registry) RegisterAll(cmds ...Command) error {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns every command sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, name := range slices.Sorted(maps.Keys(r.commands)) {
		out = append(out, r.commands[name])
	}
	return out
}

// Dispatcher gates and runs commands.
type Dispatcher struct {
	registry *Registry
	perms    *permissions.Manager
}

func NewDispatcher(registry *Registry, perms *permissions.Manager) *Dispatcher {
	return &Dispatcher{registry: registry, perms: perms}
}

// Dispatch runs in.Name for in.UserID if they satisfy its Requirement.
func (d *Dispatcher) Dispatch(ctx context.Context, in *Interaction) (Reply, error) {
	cmd, ok := d.registry.Lookup(in.Name)
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, in.Name)
	}
	caller, err := d.perms.Load(ctx, in.UserID, in.Member)
	if err != nil {
		return Reply{}, fmt.Errorf("command %s: %w", in.Name, err)
	}
	if !caller.HasPermission(cmd.Requirement) {
		zap.L().Info("command refused",
			zap.String("command", in.Name),
			zap.String("user", in.UserID),
			zap.String("guild", in.GuildID))
		return Reply{}, fmt.Errorf("%w: %s", ErrMissingPermissions, in.Name)
	}
	return cmd.Handler(ctx, in, caller)
}

// ErrorReply renders err for the caller.  Unexpected errors are logged
// and shown generically.
func ErrorReply(in *Interaction, err error) Reply {
	switch {
	case IsMissingPermissions(err):
		return Reply{Content: "You are missing permissions to use this command.", Ephemeral: true}
	case IsUnknownCommand(err):
		return Reply{Content: "That command is not available.", Ephemeral: true}
	case errors.Is(err, ErrUsage):
		return Reply{Content: err.Error(), Ephemeral: true}
	}
	zap.L().Error("command failed",
		zap.String("command", in.Name),
		zap.String("user", in.UserID),
		zap.Error(err))
	return Reply{Content: "Something went wrong while running this command.", Ephemeral: true}
}
