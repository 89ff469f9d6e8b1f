package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// sweeper runs one function on a fixed interval until stopped.
type sweeper struct {
	interval time.Duration
	grace    time.Duration
	sweep    func() error
	onError  func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func startSweeper(interval, grace time.Duration, sweep func() error, onError func(error)) *sweeper {
	s := &sweeper{
		interval: interval,
		grace:    grace,
		sweep:    sweep,
		onError:  onError,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()

	return s
}

func (s *sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.runOnce(); err != nil {
				s.onError(err)
			}
		}
	}
}

// runOnce converts a panicking iteration into an error so the loop survives.
func (s *sweeper) runOnce() (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("sweep: panic recovered: %v", recovered)
		}
	}()

	if err := s.sweep(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	return nil
}

// Stop signals the loop and waits for it up to the grace period or ctx.
// On timeout the goroutine is abandoned and an error is returned.
func (s *sweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("stop sweeper: still running after %s", s.grace)
	case <-ctx.Done():
		return fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
}
