package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"forcesub-bot/pkg/forcesub"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimeAuthTimeout  = time.Minute
	defaultRuntimeUpdateBuffer = 256
)

// Config configures the Telegram runtime.
type Config struct {
	AppID            int
	AppHash          string
	BotToken         string
	SessionFile      string
	StorageChannelID int64
	PublishTimeout   time.Duration
	RPCTimeout       time.Duration
	AuthTimeout      time.Duration
	UpdateBuffer     int
	// AuthorityRate bounds membership lookups per second across all users.
	AuthorityRate        float64
	AuthorityBurst       int
	AuthorityConcurrency int
}

type runtimeConfig struct {
	AppID                int     `json:"app_id"`
	AppHash              string  `json:"app_hash"`
	BotToken             string  `json:"bot_token"`
	SessionFile          string  `json:"session_file"`
	StorageChannelID     int64   `json:"storage_channel_id"`
	PublishTimeout       string  `json:"publish_timeout"`
	RPCTimeout           string  `json:"rpc_timeout"`
	AuthTimeout          string  `json:"auth_timeout"`
	UpdateBuffer         int     `json:"update_buffer"`
	AuthorityRate        float64 `json:"authority_rate"`
	AuthorityBurst       int     `json:"authority_burst"`
	AuthorityConcurrency int     `json:"authority_concurrency"`
}

// ParseConfig parses the telegram config section and applies defaults.
//
// Credentials may be absent here and supplied later from the environment;
// call Validate once all sources are merged.
func ParseConfig(raw []byte) (Config, error) {
	var parsed runtimeConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Config{}, fmt.Errorf("unmarshal telegram config: %w", err)
		}
	}

	cfg := Config{
		AppID:                parsed.AppID,
		AppHash:              strings.TrimSpace(parsed.AppHash),
		BotToken:             strings.TrimSpace(parsed.BotToken),
		SessionFile:          strings.TrimSpace(parsed.SessionFile),
		StorageChannelID:     parsed.StorageChannelID,
		PublishTimeout:       defaultPublishTimeout,
		RPCTimeout:           defaultOutboundTimeout,
		AuthTimeout:          defaultRuntimeAuthTimeout,
		UpdateBuffer:         parsed.UpdateBuffer,
		AuthorityRate:        parsed.AuthorityRate,
		AuthorityBurst:       parsed.AuthorityBurst,
		AuthorityConcurrency: parsed.AuthorityConcurrency,
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultRuntimeSessionFile
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultRuntimeUpdateBuffer
	}
	if cfg.AuthorityRate <= 0 {
		cfg.AuthorityRate = float64(defaultAuthorityRate)
	}
	if cfg.AuthorityBurst <= 0 {
		cfg.AuthorityBurst = defaultAuthorityBurst
	}
	if cfg.AuthorityConcurrency <= 0 {
		cfg.AuthorityConcurrency = defaultAuthorityConcurrency
	}

	durations := []struct {
		name  string
		raw   string
		value *time.Duration
	}{
		{name: "publish_timeout", raw: parsed.PublishTimeout, value: &cfg.PublishTimeout},
		{name: "rpc_timeout", raw: parsed.RPCTimeout, value: &cfg.RPCTimeout},
		{name: "auth_timeout", raw: parsed.AuthTimeout, value: &cfg.AuthTimeout},
	}
	for _, duration := range durations {
		trimmed := strings.TrimSpace(duration.raw)
		if trimmed == "" {
			continue
		}
		value, err := time.ParseDuration(trimmed)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", duration.name, err)
		}
		if value <= 0 {
			return Config{}, fmt.Errorf("parse %s: must be > 0", duration.name)
		}
		*duration.value = value
	}

	return cfg, nil
}

// Validate checks that credentials and the storage channel are set.
func (c Config) Validate() error {
	if c.AppID <= 0 {
		return fmt.Errorf("telegram app_id must be > 0")
	}
	if c.AppHash == "" {
		return fmt.Errorf("telegram app_hash is required")
	}
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot_token is required")
	}
	if _, ok := MTProtoChannelID(c.StorageChannelID); !ok {
		return fmt.Errorf("telegram storage_channel_id %d is not a channel id", c.StorageChannelID)
	}

	return nil
}

// Identity exposes the bot username learned after authorization.
type Identity struct {
	username atomic.Value
}

var _ forcesub.BotIdentity = (*Identity)(nil)

// Username returns the bot username without '@', or "" before authorization.
func (i *Identity) Username() string {
	if value, ok := i.username.Load().(string); ok {
		return value
	}
	return ""
}

func (i *Identity) set(username string) {
	i.username.Store(strings.TrimPrefix(username, "@"))
}

// Runtime bundles the Telegram driver with the services backed by the same session.
type Runtime struct {
	Driver    *Driver
	Messenger *Messenger
	Authority *MembershipAuthority
	Inspector *ChannelInspector
	Identity  *Identity
}

// NewRuntime builds one Telegram bot runtime. The session connects when the driver starts.
func NewRuntime(cfg Config, logger *slog.Logger, registerer prometheus.Registerer) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate telegram config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	updateChannel := NewGotdUpdateChannel(cfg.UpdateBuffer)
	sessionStorage, err := newGotdSessionStorage(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("new gotd session storage: %w", err)
	}

	client := gotdtelegram.NewClient(cfg.AppID, cfg.AppHash, gotdtelegram.Options{
		UpdateHandler:  updateChannel,
		SessionStorage: sessionStorage,
	})
	api := client.API()
	peers := NewPeerCache()
	identity := &Identity{}

	messenger, err := NewMessenger(api, peers,
		WithOutboundTimeout(cfg.RPCTimeout),
		WithOutboundLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("new telegram messenger: %w", err)
	}
	authority, err := NewMembershipAuthority(api, peers,
		WithRateLimit(rate.Limit(cfg.AuthorityRate), cfg.AuthorityBurst),
		WithConcurrency(cfg.AuthorityConcurrency),
		WithAuthorityLogger(logger),
		WithAuthorityRegisterer(registerer),
	)
	if err != nil {
		return nil, fmt.Errorf("new membership authority: %w", err)
	}
	inspector, err := NewChannelInspector(api, peers, cfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("new channel inspector: %w", err)
	}

	botRun := &botSession{
		client:    client,
		token:     cfg.BotToken,
		timeout:   cfg.AuthTimeout,
		storageID: cfg.StorageChannelID,
		identity:  identity,
		inspector: inspector,
		logger:    logger,
	}
	source, err := NewGotdBotSource(botRun, updateChannel, NewDefaultGotdUpdateMapper(WithPeerCache(peers)))
	if err != nil {
		return nil, fmt.Errorf("new gotd bot source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(cfg.StorageChannelID),
		WithPublishTimeout(cfg.PublishTimeout),
		WithDriverRegisterer(registerer),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "telegram driver async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new telegram driver: %w", err)
	}

	return &Runtime{
		Driver:    driver,
		Messenger: messenger,
		Authority: authority,
		Inspector: inspector,
		Identity:  identity,
	}, nil
}

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	sessionDir := filepath.Dir(absPath)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

// botSession runs the gotd client, authorizes with the bot token and checks
// the storage channel before handing control to the update loop.
type botSession struct {
	client    *gotdtelegram.Client
	token     string
	timeout   time.Duration
	storageID int64
	identity  *Identity
	inspector *ChannelInspector
	logger    *slog.Logger
}

// Run executes the client lifecycle around fn.
func (s *botSession) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("run bot session: nil run callback")
	}

	if err := s.client.Run(ctx, func(runCtx context.Context) error {
		if err := s.authorize(runCtx); err != nil {
			return err
		}
		if err := s.checkStorageChannel(runCtx); err != nil {
			return err
		}
		return fn(runCtx)
	}); err != nil {
		return fmt.Errorf("run bot session: %w", err)
	}

	return nil
}

func (s *botSession) authorize(ctx context.Context) error {
	authCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status, err := s.client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		s.logger.InfoContext(ctx, "telegram session restored from local storage")
	} else {
		if _, err := s.client.Auth().Bot(authCtx, s.token); err != nil {
			return fmt.Errorf("authorize bot: %w", err)
		}
		s.logger.InfoContext(ctx, "telegram authorized with bot token")
	}

	self, err := s.client.Self(authCtx)
	if err != nil {
		return fmt.Errorf("fetch bot identity: %w", err)
	}
	if !self.Bot {
		return fmt.Errorf("session belongs to user %d, not a bot", self.ID)
	}
	username, _ := self.GetUsername()
	s.identity.set(username)
	s.logger.InfoContext(ctx, "telegram bot identity", "username", username, "id", self.ID)

	return nil
}

// checkStorageChannel fails when the bot cannot read posts of the storage channel.
func (s *botSession) checkStorageChannel(ctx context.Context) error {
	rpcCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input, err := s.inspector.peers.ResolveChannel(s.storageID)
	if err != nil {
		return fmt.Errorf("resolve storage channel: %w", err)
	}
	channel, err := s.inspector.rpc.GetChannel(rpcCtx, input)
	if err != nil {
		return fmt.Errorf("check storage channel %d: %w", s.storageID, err)
	}
	s.inspector.peers.RememberChannel(channel)

	rights, isAdmin := channel.GetAdminRights()
	if !channel.Creator && (!isAdmin || !rights.PostMessages) {
		return fmt.Errorf("check storage channel %d: bot must be an admin allowed to post messages", s.storageID)
	}
	s.logger.InfoContext(ctx, "storage channel ready", "channel_id", s.storageID, "title", channel.Title)

	return nil
}
