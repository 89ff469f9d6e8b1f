// Package linking creates and resolves deep-link codes for stored posts.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"

	"forcesub-bot/pkg/forcesub"
)

const (
	// DefaultAlphabet only uses characters Telegram accepts in start parameters.
	DefaultAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// DefaultLength gives roughly 71 bits of entropy with DefaultAlphabet.
	DefaultLength = 12
	// maxStartParameter is the Telegram limit for the ?start= payload.
	maxStartParameter = 64
	defaultAttempts   = 3
)

// Service implements forcesub.LinkService over a LinkStore.
type Service struct {
	store    forcesub.LinkStore
	alphabet string
	length   int
	attempts int
	now      func() time.Time
	logger   *slog.Logger
}

// Option mutates Service construction.
type Option func(*Service)

// WithAlphabet sets the code alphabet.
func WithAlphabet(alphabet string) Option {
	return func(service *Service) {
		if alphabet != "" {
			service.alphabet = alphabet
		}
	}
}

// WithLength sets the generated code length.
func WithLength(length int) Option {
	return func(service *Service) {
		if length > 0 {
			service.length = length
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(service *Service) {
		service.now = now
	}
}

// New validates options and creates a link service.
func New(store forcesub.LinkStore, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("new link service: nil link store")
	}

	service := &Service{
		store:    store,
		alphabet: DefaultAlphabet,
		length:   DefaultLength,
		attempts: defaultAttempts,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(service)
	}

	if service.length > maxStartParameter {
		return nil, fmt.Errorf("new link service: length %d exceeds %d", service.length, maxStartParameter)
	}
	for _, char := range service.alphabet {
		if !isStartParameterRune(char) {
			return nil, fmt.Errorf("new link service: alphabet contains %q", char)
		}
	}

	return service, nil
}

// CreateLink stores messageIDs under a fresh code. Code collisions are retried.
func (s *Service) CreateLink(
	ctx context.Context,
	channelID int64,
	messageIDs []int,
	restricted bool,
) (forcesub.Link, error) {
	if channelID == 0 {
		return forcesub.Link{}, fmt.Errorf("create link: zero channel id")
	}
	if len(messageIDs) == 0 {
		return forcesub.Link{}, fmt.Errorf("create link: no message ids")
	}
	for _, messageID := range messageIDs {
		if messageID <= 0 {
			return forcesub.Link{}, fmt.Errorf("create link: invalid message id %d", messageID)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		code, err := nanoid.Generate(s.alphabet, s.length)
		if err != nil {
			return forcesub.Link{}, fmt.Errorf("create link: generate code: %w", err)
		}

		link := forcesub.Link{
			Code:       code,
			ChannelID:  channelID,
			MessageIDs: append([]int(nil), messageIDs...),
			Restricted: restricted,
			CreatedAt:  s.now().UTC(),
		}
		err = s.store.CreateLink(ctx, link)
		if err == nil {
			s.logger.DebugContext(ctx, "link created",
				"code", code,
				"channel_id", channelID,
				"messages", len(messageIDs),
			)
			return link, nil
		}
		if !errors.Is(err, forcesub.ErrConflict) {
			return forcesub.Link{}, fmt.Errorf("create link: %w", err)
		}
		lastErr = err
		s.logger.WarnContext(ctx, "link code collision", "attempt", attempt)
	}

	return forcesub.Link{}, fmt.Errorf("create link: %d attempts: %w", s.attempts, lastErr)
}

// ResolveLink returns the link for code and records one view.
// Codes that could not have been generated are rejected without a store read.
func (s *Service) ResolveLink(ctx context.Context, code string) (forcesub.Link, error) {
	code = strings.TrimSpace(code)
	if !s.plausible(code) {
		return forcesub.Link{}, fmt.Errorf("resolve link %q: %w", code, forcesub.ErrNotFound)
	}

	link, err := s.store.ConsumeLink(ctx, code)
	if err != nil {
		return forcesub.Link{}, fmt.Errorf("resolve link %q: %w", code, err)
	}

	return link, nil
}

func (s *Service) plausible(code string) bool {
	if code == "" || len(code) > maxStartParameter {
		return false
	}
	for _, char := range code {
		if !isStartParameterRune(char) {
			return false
		}
	}

	return true
}

func isStartParameterRune(char rune) bool {
	switch {
	case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char >= '0' && char <= '9':
		return true
	case char == '_' || char == '-':
		return true
	default:
		return false
	}
}

var _ forcesub.LinkService = (*Service)(nil)
