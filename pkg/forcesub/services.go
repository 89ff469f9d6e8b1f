package forcesub

import (
	"context"
	"fmt"
)

const (
	// ServiceLogger resolves *slog.Logger.
	ServiceLogger = "logger"
	// ServiceMessenger resolves Messenger.
	ServiceMessenger = "messenger"
	// ServiceUserState resolves StateStore.
	ServiceUserState = "user_state"
	// ServiceConfig resolves ConfigService.
	ServiceConfig = "config"
	// ServiceMembership resolves MembershipGate.
	ServiceMembership = "membership"
	// ServiceChannels resolves ChannelStore.
	ServiceChannels = "channels"
	// ServiceChannelInspector resolves ChannelInspector.
	ServiceChannelInspector = "channel_inspector"
	// ServiceLinks resolves LinkService.
	ServiceLinks = "links"
	// ServiceAdmins resolves AdminDirectory.
	ServiceAdmins = "admins"
	// ServiceUsers resolves UserStore.
	ServiceUsers = "users"
	// ServiceBotIdentity resolves BotIdentity.
	ServiceBotIdentity = "bot_identity"
	// ServiceCommandCatalog resolves CommandCatalog.
	ServiceCommandCatalog = "command_catalog"
)

// ServiceRegistry provides runtime dependency injection to modules and drivers.
type ServiceRegistry interface {
	// Register binds a singleton service value to a stable name.
	Register(name string, service any) error
	// Resolve returns a registered service by name.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and casts it to the requested type.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: type assertion failed", name)
	}

	return typed, nil
}

// StateStore keeps one pending flow token per user.
type StateStore interface {
	SetState(userID int64, token string)
	GetState(userID int64) (string, bool)
	ClearState(userID int64)
}

// ConfigService is the in-memory config view with write-through updates.
type ConfigService interface {
	Get(key string) (string, bool)
	Bool(key string) bool
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys() []string
}

// MembershipGate answers gating questions from cache or the membership authority.
type MembershipGate interface {
	// IsSubscribedToAll reports whether user is a member of every channel in channelIDs.
	IsSubscribedToAll(ctx context.Context, userID int64, channelIDs []int64) (bool, error)
	// ActiveChannels returns the channels that currently participate in gating.
	ActiveChannels() []int64
}

// AdminDirectory answers admin membership.
type AdminDirectory interface {
	IsAdmin(userID int64) bool
}

// LinkService creates and resolves deep-link codes for stored content.
type LinkService interface {
	CreateLink(ctx context.Context, channelID int64, messageIDs []int, restricted bool) (Link, error)
	ResolveLink(ctx context.Context, code string) (Link, error)
}

// BotIdentity exposes the bot account identity learned after authentication.
type BotIdentity interface {
	Username() string
}

// RegisteredCommand is one slash command known to the kernel.
type RegisteredCommand struct {
	ModuleName  string
	Name        string
	Description string
}

// CommandCatalog lists commands registered by all modules.
type CommandCatalog interface {
	ListCommands(ctx context.Context) ([]RegisteredCommand, error)
}
