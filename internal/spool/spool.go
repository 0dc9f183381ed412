package spool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
)

var ErrUnexpectedStatus = errors.New("unexpected status")
var ErrDuplicate = errors.New("email already spooled")

type LogEntry struct {
	TS  time.Time `json:"ts"`
	MSG string    `json:"msg"`
}

type entry struct {
	email utskick.Email
	log   []LogEntry
}

// Spool keeps every email the scheduler has seen, in insertion order.
// Nothing is ever evicted.
type Spool struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	emails map[string]*entry
	order  []string
}

func New(clock clockwork.Clock) *Spool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Spool{
		clock:  clock,
		emails: map[string]*entry{},
	}
}

// Add inserts the emails, all or none.
func (s *Spool) Add(emails ...utskick.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range emails {
		if _, exists := s.emails[e.ID]; exists {
			return fmt.Errorf("could not add %s: %w", e.ID, ErrDuplicate)
		}
	}

	now := s.clock.Now()
	for _, e := range emails {
		s.emails[e.ID] = &entry{
			email: e.Clone(),
			log:   []LogEntry{{TS: now, MSG: fmt.Sprintf("[spool] email has been spooled as '%s'", e.Status)}},
		}
		s.order = append(s.order, e.ID)
	}
	return nil
}

func (s *Spool) Get(id string) (utskick.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.emails[id]
	if !ok {
		return utskick.Email{}, fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	return e.email.Clone(), nil
}

func (s *Spool) Status(id string) (utskick.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.emails[id]
	if !ok {
		return "", fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	return e.email.Status, nil
}

// List returns a snapshot of all emails in insertion order
func (s *Spool) List() []utskick.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slicez.Map(s.order, func(id string) utskick.Email {
		return s.emails[id].email.Clone()
	})
}

func (s *Spool) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Move sets the status of id to `to`, given that the current status is one of `from`.
// With no `from`, any current status is accepted.
func (s *Spool) Move(id string, to utskick.Status, from ...utskick.Status) (utskick.Email, error) {
	if !to.Valid() {
		return utskick.Email{}, fmt.Errorf("invalid 'to' status: %s", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return utskick.Email{}, fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	cur := e.email.Status
	if len(from) > 0 && !slicez.Contains(from, cur) {
		return e.email.Clone(), fmt.Errorf("could not move %s from '%s' to '%s': %w", id, cur, to, ErrUnexpectedStatus)
	}

	now := s.clock.Now()
	e.email.Status = to
	e.email.UpdatedAt = now
	e.log = append(e.log, LogEntry{TS: now, MSG: fmt.Sprintf("[spool] email has been marked as '%s', moved from '%s'", to, cur)})
	return e.email.Clone(), nil
}

// SetDelivery updates the delivery status of a sent email.
func (s *Spool) SetDelivery(id string, d utskick.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	if e.email.Status != utskick.StatusSent {
		return fmt.Errorf("could not set delivery of %s, status is '%s': %w", id, e.email.Status, ErrUnexpectedStatus)
	}
	now := s.clock.Now()
	e.email.DeliveryStatus = d
	e.email.UpdatedAt = now
	e.log = append(e.log, LogEntry{TS: now, MSG: fmt.Sprintf("[spool] delivery status is now '%s'", d)})
	return nil
}

func (s *Spool) Logf(id string, format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	e.log = append(e.log, LogEntry{TS: s.clock.Now(), MSG: fmt.Sprintf(format, args...)})
	return nil
}

// Log returns the activity log of an email
func (s *Spool) Log(id string) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return nil, fmt.Errorf("could not find %s: %w", id, utskick.ErrNotFound)
	}
	return append([]LogEntry(nil), e.log...), nil
}
