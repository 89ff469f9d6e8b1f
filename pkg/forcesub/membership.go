package forcesub

import "context"

// MembershipAuthority is the source of truth for channel membership.
type MembershipAuthority interface {
	// CheckBatch reports, per channel, whether user is a member.
	// Channels missing from the result are treated as not joined.
	CheckBatch(ctx context.Context, userID int64, channelIDs []int64) (map[int64]bool, error)
}
