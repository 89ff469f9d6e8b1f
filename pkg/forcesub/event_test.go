package forcesub

import (
	"errors"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:    "nil event",
			event:   nil,
			wantErr: true,
		},
		{
			name:    "missing id",
			event:   &Event{Kind: EventKindConfigChanged, OccurredAt: now, Config: &ConfigChange{Key: "k"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			event:   &Event{ID: "e1", Kind: "weird", OccurredAt: now},
			wantErr: true,
		},
		{
			name:    "callback without query id",
			event:   &Event{ID: "e1", Kind: EventKindCallbackQuery, OccurredAt: now, Interaction: &Interaction{UserID: 1}},
			wantErr: true,
		},
		{
			name:  "callback with query id",
			event: &Event{ID: "e1", Kind: EventKindCallbackQuery, OccurredAt: now, Interaction: &Interaction{QueryID: 9, UserID: 1}},
		},
		{
			name:    "membership without channel",
			event:   &Event{ID: "e1", Kind: EventKindMembershipChanged, OccurredAt: now, Membership: &MembershipChange{UserID: 1}},
			wantErr: true,
		},
		{
			name:  "config deleted with key",
			event: &Event{ID: "e1", Kind: EventKindConfigDeleted, OccurredAt: now, Config: &ConfigChange{Key: "FOO"}},
		},
		{
			name:    "channel payload mismatch",
			event:   &Event{ID: "e1", Kind: EventKindChannelChanged, OccurredAt: now, Admin: &AdminChange{UserID: 3}},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.event.Validate()
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Validate() error = %v, want %v", err, ErrInvalidEvent)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	t.Parallel()

	first := NewEvent(EventKindAdminChanged, time.Time{})
	second := NewEvent(EventKindAdminChanged, time.Time{})
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids = %q, %q, want distinct non-empty", first.ID, second.ID)
	}
	if first.OccurredAt.IsZero() {
		t.Fatal("occurred_at is zero, want now")
	}
}

func TestEventIsDomain(t *testing.T) {
	t.Parallel()

	if (&Event{Kind: EventKindCallbackQuery}).IsDomain() {
		t.Fatal("callback query reported as domain event")
	}
	if !(&Event{Kind: EventKindChannelChanged}).IsDomain() {
		t.Fatal("channel change not reported as domain event")
	}
}
