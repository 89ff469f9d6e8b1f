package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"forcesub-bot/pkg/forcesub"
)

const (
	defaultAuthorityRate        = rate.Limit(20)
	defaultAuthorityBurst       = 5
	defaultAuthorityConcurrency = 4

	errorTypeUserNotParticipant = "USER_NOT_PARTICIPANT"
)

// AuthorityOption mutates membership authority configuration.
type AuthorityOption func(*MembershipAuthority)

// WithRateLimit bounds getParticipant calls across all users.
func WithRateLimit(limit rate.Limit, burst int) AuthorityOption {
	return func(authority *MembershipAuthority) {
		if limit > 0 && burst > 0 {
			authority.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithConcurrency bounds in-flight lookups of one batch.
func WithConcurrency(workers int) AuthorityOption {
	return func(authority *MembershipAuthority) {
		if workers > 0 {
			authority.concurrency = workers
		}
	}
}

// WithAuthorityLogger sets the logger.
func WithAuthorityLogger(logger *slog.Logger) AuthorityOption {
	return func(authority *MembershipAuthority) {
		if logger != nil {
			authority.logger = logger
		}
	}
}

// WithAuthorityRegisterer registers lookup metrics.
func WithAuthorityRegisterer(registerer prometheus.Registerer) AuthorityOption {
	return func(authority *MembershipAuthority) {
		authority.metrics = newAuthorityMetrics(registerer)
	}
}

// MembershipAuthority answers membership with channels.getParticipant, one call per channel.
type MembershipAuthority struct {
	rpc         participantRPC
	peers       *PeerCache
	limiter     *rate.Limiter
	concurrency int
	logger      *slog.Logger
	metrics     *authorityMetrics
}

var _ forcesub.MembershipAuthority = (*MembershipAuthority)(nil)

// NewMembershipAuthority creates an authority using the gotd raw API.
func NewMembershipAuthority(api *tg.Client, peers *PeerCache, options ...AuthorityOption) (*MembershipAuthority, error) {
	if api == nil {
		return nil, fmt.Errorf("new membership authority: nil api client")
	}

	return newMembershipAuthority(gotdParticipantRPC{raw: api}, peers, options...)
}

func newMembershipAuthority(
	rpc participantRPC,
	peers *PeerCache,
	options ...AuthorityOption,
) (*MembershipAuthority, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new membership authority: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new membership authority: nil peer cache")
	}

	authority := &MembershipAuthority{
		rpc:         rpc,
		peers:       peers,
		limiter:     rate.NewLimiter(defaultAuthorityRate, defaultAuthorityBurst),
		concurrency: defaultAuthorityConcurrency,
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(authority)
	}

	return authority, nil
}

// CheckBatch looks up userID in every channel concurrently.
//
// A user who is not a participant yields false. Any other failure fails the
// whole batch so callers never cache a partial answer as authoritative.
func (a *MembershipAuthority) CheckBatch(
	ctx context.Context,
	userID int64,
	channelIDs []int64,
) (map[int64]bool, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("check membership: invalid user id %d", userID)
	}
	user, err := a.peers.ResolveOrBare(userID)
	if err != nil {
		return nil, fmt.Errorf("check membership resolve user: %w", err)
	}

	var mu sync.Mutex
	verdicts := make(map[int64]bool, len(channelIDs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for _, channelID := range channelIDs {
		group.Go(func() error {
			joined, err := a.checkOne(groupCtx, user, channelID)
			if err != nil {
				return fmt.Errorf("check membership of %d in %d: %w", userID, channelID, err)
			}

			mu.Lock()
			verdicts[channelID] = joined
			mu.Unlock()

			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return verdicts, nil
}

func (a *MembershipAuthority) checkOne(ctx context.Context, user tg.InputPeerClass, channelID int64) (bool, error) {
	channel, err := a.peers.ResolveChannel(channelID)
	if err != nil {
		return false, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("wait rate limit: %w", err)
	}

	started := time.Now()
	participant, err := a.rpc.GetParticipant(ctx, channel, user)
	switch {
	case tgerr.Is(err, errorTypeUserNotParticipant):
		a.metrics.observe(resultNotJoined, time.Since(started))
		return false, nil
	case err != nil:
		a.metrics.observe(resultError, time.Since(started))
		a.logger.WarnContext(ctx, "membership lookup failed", "channel_id", channelID, "error", err)
		return false, mapTelegramOutboundError(forcesub.OutboundOperationCheckMembership, err)
	}

	joined := isActiveParticipant(participant)
	if joined {
		a.metrics.observe(resultJoined, time.Since(started))
	} else {
		a.metrics.observe(resultNotJoined, time.Since(started))
	}

	return joined, nil
}

type participantRPC interface {
	GetParticipant(ctx context.Context, channel tg.InputChannelClass, user tg.InputPeerClass) (tg.ChannelParticipantClass, error)
}

type gotdParticipantRPC struct {
	raw *tg.Client
}

func (r gotdParticipantRPC) GetParticipant(
	ctx context.Context,
	channel tg.InputChannelClass,
	user tg.InputPeerClass,
) (tg.ChannelParticipantClass, error) {
	result, err := r.raw.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     channel,
		Participant: user,
	})
	if err != nil {
		return nil, fmt.Errorf("get channel participant: %w", err)
	}

	return result.Participant, nil
}
