package guild

import (
	"fmt"
	"maps"
	"slices"
)

// Permission is a platform permission bit set.
type Permission uint64

// Bits follow the gateway's wire values.
const (
	CreateInstantInvite Permission = 1 << 0
	KickMembers         Permission = 1 << 1
	BanMembers          Permission = 1 << 2
	Administrator       Permission = 1 << 3
	ManageChannels      Permission = 1 << 4
	ManageGuild         Permission = 1 << 5
	AddReactions        Permission = 1 << 6
	ViewAuditLog        Permission = 1 << 7
	ViewChannel         Permission = 1 << 10
	SendMessages        Permission = 1 << 11
	ManageMessages      Permission = 1 << 13
	MentionEveryone     Permission = 1 << 17
	MuteMembers         Permission = 1 << 22
	MoveMembers         Permission = 1 << 24
	ManageNicknames     Permission = 1 << 27
	ManageRoles         Permission = 1 << 28
	ManageWebhooks      Permission = 1 << 29
	ManageEvents        Permission = 1 << 33
	ManageThreads       Permission = 1 << 34
	ModerateMembers     Permission = 1 << 40

	AllPermissions Permission = ^Permission(0)
)

var permissionNames = map[string]Permission{
	"CreateInstantInvite": CreateInstantInvite,
	"KickMembers":         KickMembers,
	"BanMembers":          BanMembers,
	"Administrator":       Administrator,
	"ManageChannels":      ManageChannels,
	"ManageGuild":         ManageGuild,
	"AddReactions":        AddReactions,
	"ViewAuditLog":        ViewAuditLog,
	"ViewChannel":         ViewChannel,
	"SendMessages":        SendMessages,
	"ManageMessages":      ManageMessages,
	"MentionEveryone":     MentionEveryone,
	"MuteMembers":         MuteMembers,
	"MoveMembers":         MoveMembers,
	"ManageNicknames":     ManageNicknames,
	"ManageRoles":         ManageRoles,
	"ManageWebhooks":      ManageWebhooks,
	"ManageEvents":        ManageEvents,
	"ManageThreads":       ManageThreads,
	"ModerateMembers":     ModerateMembers,
}

// ParsePermission maps a permission name such as "ManageRoles" to its bit.
func ParsePermission(name string) (Permission, error) {
	if p, ok := permissionNames[name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("guild: unknown permission %q", name)
}

// PermissionNames lists every known name, sorted.
func PermissionNames() []string { return slices.Sorted(maps.Keys(permissionNames)) }

// Has reports whether every bit of q is set.  With checkAdmin, holding
// Administrator implies everything.
func (p Permission) Has(q Permission, checkAdmin bool) bool {
	if checkAdmin && p&Administrator != 0 {
		return true
	}
	return p&q == q
}
