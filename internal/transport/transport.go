package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modfin/utskick"
	"github.com/sirupsen/logrus"
)

var ErrRejected = errors.New("email rejected by transport")

// Transport hands an email over to whatever delivers it. Send blocks until the
// handover is done or ctx is cancelled.
type Transport interface {
	Send(ctx context.Context, email utskick.Email) error
}

// Fault decides if sending an email should fail. A nil error means the send succeeds.
type Fault func(email utskick.Email) error

type Option func(s *Simulated)

func WithFault(f Fault) Option {
	return func(s *Simulated) {
		s.fault = f
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Simulated) {
		if l != nil {
			s.log = l
		}
	}
}

// Simulated pretends to transmit emails; every send takes `latency` on the given clock.
type Simulated struct {
	clock   clockwork.Clock
	latency time.Duration
	fault   Fault
	log     *logrus.Logger
}

func NewSimulated(clock clockwork.Clock, latency time.Duration, opts ...Option) *Simulated {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Simulated{
		clock:   clock,
		latency: latency,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulated) Send(ctx context.Context, email utskick.Email) error {
	if s.latency > 0 {
		timer := s.clock.NewTimer(s.latency)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("send of %s aborted: %w", email.ID, ctx.Err())
		}
	}

	if s.fault != nil {
		if err := s.fault(email); err != nil {
			s.log.WithField("eid", email.ID).WithError(err).Debug("simulated send failed")
			return fmt.Errorf("could not send %s to '%s': %w", email.ID, email.Address, err)
		}
	}
	s.log.WithField("eid", email.ID).Debugf("simulated send to '%s' done", email.Address)
	return nil
}

// FailAll rejects every email with err, or ErrRejected if err is nil.
func FailAll(err error) Fault {
	if err == nil {
		err = ErrRejected
	}
	return func(utskick.Email) error {
		return err
	}
}

// FailAddresses rejects emails to the given addresses, case insensitive.
func FailAddresses(addresses ...string) Fault {
	set := map[string]struct{}{}
	for _, a := range addresses {
		set[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return func(email utskick.Email) error {
		if _, ok := set[strings.ToLower(strings.TrimSpace(email.Address))]; ok {
			return fmt.Errorf("%w: address %s is blocked", ErrRejected, email.Address)
		}
		return nil
	}
}

// FailRate rejects roughly the given fraction of emails. The same seed gives the same sequence.
func FailRate(rate float64, seed int64) Fault {
	if rate <= 0 {
		return nil
	}
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(seed))
	return func(email utskick.Email) error {
		mu.Lock()
		roll := rnd.Float64()
		mu.Unlock()
		if roll < rate {
			return fmt.Errorf("%w: simulated failure", ErrRejected)
		}
		return nil
	}
}
