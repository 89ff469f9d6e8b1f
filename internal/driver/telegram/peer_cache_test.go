package telegram

import (
	"errors"
	"testing"

	"github.com/gotd/td/tg"

	"forcesub-bot/pkg/forcesub"
)

func TestPeerCacheRememberEnvelopeAndResolve(t *testing.T) {
	t.Parallel()

	user := &tg.User{ID: 7}
	user.SetAccessHash(77)

	cache := NewPeerCache()
	cache.RememberEnvelope(gotdUpdateEnvelope{
		usersByID: map[int64]*tg.User{7: user},
		chatsByID: map[int64]gotdChatInfo{
			BotChannelID(30): {title: "News", inputPeer: &tg.InputPeerChannel{ChannelID: 30, AccessHash: 3030}},
		},
	})

	tests := []struct {
		name     string
		chatID   int64
		wantType string
		wantHash int64
		wantErr  error
	}{
		{name: "remembered user", chatID: 7, wantType: "*tg.InputPeerUser", wantHash: 77},
		{name: "remembered channel", chatID: BotChannelID(30), wantType: "*tg.InputPeerChannel", wantHash: 3030},
		{name: "basic group needs no hash", chatID: BotChatID(10), wantType: "*tg.InputPeerChat"},
		{name: "unknown user", chatID: 8, wantErr: forcesub.ErrPeerUnknown},
		{name: "unknown channel", chatID: BotChannelID(31), wantErr: forcesub.ErrPeerUnknown},
		{name: "zero id", chatID: 0, wantErr: forcesub.ErrPeerUnknown},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peer, err := cache.Resolve(testCase.chatID)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}

			var gotType string
			var gotHash int64
			switch typed := peer.(type) {
			case *tg.InputPeerUser:
				gotType, gotHash = "*tg.InputPeerUser", typed.AccessHash
			case *tg.InputPeerChannel:
				gotType, gotHash = "*tg.InputPeerChannel", typed.AccessHash
			case *tg.InputPeerChat:
				gotType = "*tg.InputPeerChat"
			default:
				gotType = "unexpected"
			}
			if gotType != testCase.wantType {
				t.Fatalf("peer type = %s, want %s", gotType, testCase.wantType)
			}
			if gotHash != testCase.wantHash {
				t.Fatalf("access hash = %d, want %d", gotHash, testCase.wantHash)
			}
		})
	}
}

func TestPeerCacheResolveOrBare(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()

	peer, err := cache.ResolveOrBare(99)
	if err != nil {
		t.Fatalf("resolve user failed: %v", err)
	}
	if typed, ok := peer.(*tg.InputPeerUser); !ok || typed.UserID != 99 || typed.AccessHash != 0 {
		t.Fatalf("peer = %#v, want bare user 99", peer)
	}

	channel, err := cache.ResolveChannel(BotChannelID(500))
	if err != nil {
		t.Fatalf("resolve channel failed: %v", err)
	}
	if typed, ok := channel.(*tg.InputChannel); !ok || typed.ChannelID != 500 {
		t.Fatalf("channel = %#v, want bare channel 500", channel)
	}

	if _, err := cache.ResolveChannel(42); err == nil {
		t.Fatal("expected error resolving a user as channel")
	}
	if _, err := cache.ResolveOrBare(0); !errors.Is(err, forcesub.ErrPeerUnknown) {
		t.Fatalf("error = %v, want ErrPeerUnknown", err)
	}
}

func TestPeerCacheRememberChannelReturnsClones(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.RememberChannel(&tg.Channel{ID: 500, AccessHash: 5050})

	first, err := cache.Resolve(BotChannelID(500))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	first.(*tg.InputPeerChannel).AccessHash = 1

	second, err := cache.Resolve(BotChannelID(500))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := second.(*tg.InputPeerChannel).AccessHash; got != 5050 {
		t.Fatalf("access hash = %d, want 5050", got)
	}
}

func TestPeerCacheNilReceiver(t *testing.T) {
	t.Parallel()

	var cache *PeerCache
	cache.RememberEnvelope(gotdUpdateEnvelope{})
	cache.RememberChannel(&tg.Channel{ID: 1})

	if _, err := cache.Resolve(1); err == nil {
		t.Fatal("expected nil cache error")
	}
}
