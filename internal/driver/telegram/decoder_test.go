package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forcesub-bot/pkg/forcesub"
)

func TestDefaultDecoderDecode(t *testing.T) {
	t.Parallel()

	storage := BotChannelID(900)
	occurredAt := time.Unix(1_700_000_000, 0).UTC()
	alice := UserRef{ID: 42, Username: "alice", FirstName: "Alice"}

	tests := []struct {
		name     string
		update   Update
		wantKind forcesub.EventKind
		wantNil  bool
		wantErr  bool
		assert   func(t *testing.T, event *forcesub.Event)
	}{
		{
			name: "callback query",
			update: Update{
				ID:         "tg:callback:42:77",
				Type:       UpdateTypeCallback,
				OccurredAt: occurredAt,
				ChatID:     42,
				User:       alice,
				Callback:   &CallbackPayload{QueryID: 77, MessageID: 9, Data: []byte("ping")},
			},
			wantKind: forcesub.EventKindCallbackQuery,
			assert: func(t *testing.T, event *forcesub.Event) {
				t.Helper()
				want := &forcesub.Interaction{
					QueryID:   77,
					ChatID:    42,
					UserID:    42,
					MessageID: 9,
					Data:      []byte("ping"),
					Username:  "alice",
					FirstName: "Alice",
				}
				if diff := cmp.Diff(want, event.Interaction); diff != "" {
					t.Fatalf("interaction mismatch (-want +got):\n%s", diff)
				}
				if event.ID != "tg:callback:42:77" {
					t.Fatalf("id = %s, want update id", event.ID)
				}
			},
		},
		{
			name: "private message",
			update: Update{
				Type:       UpdateTypePrivateMessage,
				OccurredAt: occurredAt,
				ChatID:     42,
				User:       alice,
				Message:    &MessagePayload{ID: 5, Text: "/start abc"},
			},
			wantKind: forcesub.EventKindPrivateMessage,
			assert: func(t *testing.T, event *forcesub.Event) {
				t.Helper()
				if event.Interaction.Text != "/start abc" {
					t.Fatalf("text = %q, want /start abc", event.Interaction.Text)
				}
				if event.ID == "" {
					t.Fatal("expected generated id")
				}
			},
		},
		{
			name: "message from another bot is dropped",
			update: Update{
				Type:    UpdateTypePrivateMessage,
				ChatID:  43,
				User:    UserRef{ID: 43, IsBot: true},
				Message: &MessagePayload{ID: 1, Text: "hi"},
			},
			wantNil: true,
		},
		{
			name: "storage channel post",
			update: Update{
				Type:       UpdateTypeChannelPost,
				OccurredAt: occurredAt,
				ChatID:     storage,
				Message:    &MessagePayload{ID: 11, Text: "content"},
			},
			wantKind: forcesub.EventKindPostStored,
			assert: func(t *testing.T, event *forcesub.Event) {
				t.Helper()
				want := &forcesub.Post{ChannelID: storage, MessageID: 11, Text: "content"}
				if diff := cmp.Diff(want, event.Post); diff != "" {
					t.Fatalf("post mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "other channel post is dropped",
			update: Update{
				Type:    UpdateTypeChannelPost,
				ChatID:  BotChannelID(901),
				Message: &MessagePayload{ID: 11},
			},
			wantNil: true,
		},
		{
			name: "participant leave",
			update: Update{
				Type:        UpdateTypeParticipant,
				OccurredAt:  occurredAt,
				ChatID:      BotChannelID(500),
				Participant: &ParticipantPayload{UserID: 42, WasMember: true},
			},
			wantKind: forcesub.EventKindMembershipChanged,
			assert: func(t *testing.T, event *forcesub.Event) {
				t.Helper()
				want := &forcesub.MembershipChange{UserID: 42, ChannelID: BotChannelID(500), Joined: false}
				if diff := cmp.Diff(want, event.Membership); diff != "" {
					t.Fatalf("membership mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:    "callback without payload fails",
			update:  Update{Type: UpdateTypeCallback},
			wantErr: true,
		},
		{
			name:    "callback without query id fails validation",
			update:  Update{Type: UpdateTypeCallback, Callback: &CallbackPayload{}},
			wantErr: true,
		},
		{
			name:    "unknown type fails",
			update:  Update{Type: "edit"},
			wantErr: true,
		},
	}

	decoder := NewDefaultDecoder(storage)
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			event, err := decoder.Decode(context.Background(), testCase.update)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if testCase.wantNil {
				if event != nil {
					t.Fatalf("event = %+v, want nil", event)
				}
				return
			}
			if event.Kind != testCase.wantKind {
				t.Fatalf("kind = %s, want %s", event.Kind, testCase.wantKind)
			}
			if testCase.assert != nil {
				testCase.assert(t, event)
			}
		})
	}
}

func TestDefaultDecoderWithoutStorageChannelDropsPosts(t *testing.T) {
	t.Parallel()

	event, err := NewDefaultDecoder(0).Decode(context.Background(), Update{
		Type:    UpdateTypeChannelPost,
		ChatID:  BotChannelID(900),
		Message: &MessagePayload{ID: 1},
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event != nil {
		t.Fatalf("event = %+v, want nil", event)
	}
}
