package analytics

import (
	"sync"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Compute aggregates emails by status. ResponseRate is the share of sent emails in percent.
func Compute(emails []utskick.Email) utskick.Analytics {
	var a utskick.Analytics
	a.Total = len(emails)
	for _, e := range emails {
		switch e.Status {
		case utskick.StatusSent:
			a.Sent++
		case utskick.StatusPending:
			a.Pending++
		case utskick.StatusScheduled:
			a.Scheduled++
		case utskick.StatusFailed:
			a.Failed++
		}
	}
	if a.Total > 0 {
		a.ResponseRate = float64(a.Sent) / float64(a.Total) * 100
	}
	return a
}

// Source is what the tracker observes, usually an *engine.Engine.
type Source interface {
	Emails() []utskick.Email
	Subscribe(fn signals.Subscriber) (unsubscribe func())
}

type Listener func(a utskick.Analytics)

type Option func(t *Tracker)

// WithListener is called with the new aggregate every time it is recomputed
func WithListener(fn Listener) Option {
	return func(t *Tracker) {
		t.listeners = append(t.listeners, fn)
	}
}

// Tracker keeps the latest Analytics of a Source, recomputed on every status event.
type Tracker struct {
	src       Source
	log       *logrus.Logger
	listeners []Listener

	mu     sync.RWMutex
	latest utskick.Analytics

	unsubscribe func()
	ostop       sync.Once
}

func NewTracker(src Source, lc *tools.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		src: src,
		log: lc.New("analytics"),
	}
	for _, o := range opts {
		o(t)
	}
	t.refresh()
	t.unsubscribe = src.Subscribe(func(ev utskick.StatusEvent) {
		t.refresh()
	})
	return t
}

// Latest returns the aggregate as of the last status event
func (t *Tracker) Latest() utskick.Analytics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Refresh recomputes the aggregate without waiting for an event
func (t *Tracker) Refresh() utskick.Analytics {
	return t.refresh()
}

func (t *Tracker) Stop() {
	t.ostop.Do(func() {
		t.unsubscribe()
	})
}

func (t *Tracker) refresh() utskick.Analytics {
	t.mu.Lock()
	a := Compute(t.src.Emails())
	t.latest = a
	t.mu.Unlock()

	t.log.Debugf("total %d, sent %d, pending %d, scheduled %d, failed %d", a.Total, a.Sent, a.Pending, a.Scheduled, a.Failed)
	for _, l := range t.listeners {
		l(a)
	}
	return a
}
