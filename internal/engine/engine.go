package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/internal/spool"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/tools"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers       int           `cli:"workers"`
	QueueSize     int           `cli:"queue-size"`
	DeliveryDelay time.Duration `cli:"delivery-delay"`
}

const defaultQueueSize = 100_000
const defaultDeliveryDelay = 3 * time.Second

// Engine owns the emails of all campaigns. It arms timers according to the
// schedule policy, sends through the transport and publishes every status change.
type Engine struct {
	cfg       Config
	log       *logrus.Logger
	clock     clockwork.Clock
	transport transport.Transport

	spool *spool.Spool
	hub   *signals.Hub
	pool  *pond.WorkerPool

	ctx    context.Context
	cancel func()

	// mu guards groups, deliveries and every status transition.
	// emit is taken before mu is released, so subscribers see transitions in the order they happened.
	mu         sync.Mutex
	emit       sync.Mutex
	groups     map[string]*group
	deliveries map[string]clockwork.Timer

	// life is held for reading while submitting to the pool
	life    sync.RWMutex
	stopped atomic.Bool

	ostop sync.Once
}

// group is the set of emails sharing one dispatch timer
type group struct {
	timer   clockwork.Timer
	fireAt  time.Time
	members []string
	armed   map[string]struct{}
}

func New(cfg Config, lc *tools.Logger, tr transport.Transport, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.Workers = compare.Coalesce(cfg.Workers, 100*runtime.NumCPU())
	cfg.QueueSize = compare.Coalesce(cfg.QueueSize, defaultQueueSize)
	cfg.DeliveryDelay = compare.Coalesce(cfg.DeliveryDelay, defaultDeliveryDelay)

	logger := lc.New("engine")

	e := &Engine{
		cfg:        cfg,
		log:        logger,
		clock:      clock,
		transport:  tr,
		spool:      spool.New(clock),
		hub:        signals.NewHub(),
		groups:     map[string]*group{},
		deliveries: map[string]clockwork.Timer{},
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.log.Infof("Starting engine, with 0-%d workers", cfg.Workers)
	e.pool = pond.New(cfg.Workers, cfg.QueueSize, pond.MinWorkers(0), pond.PanicHandler(func(p interface{}) {
		e.log.Errorf("send task panicked: %v", p)
	}))
	return e
}

// Schedule creates one email per row and dispatches them according to policy.
// The returned emails reflect the state at return; later transitions are published to subscribers.
// An invalid policy dispatches nothing and leaves every email pending.
func (e *Engine) Schedule(rows []utskick.Row, policy utskick.Policy) []utskick.Email {
	now := e.clock.Now()
	batch := xid.New().String()

	emails := slicez.Map(rows, func(row utskick.Row) utskick.Email {
		email := utskick.Email{
			ID:             uuid.NewString(),
			BatchID:        batch,
			CompanyName:    row[utskick.ColumnCompanyName],
			Address:        row[utskick.ColumnEmail],
			Status:         utskick.StatusPending,
			DeliveryStatus: utskick.DeliveryNA,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if policy.Type == utskick.PolicyAt && !policy.Time.IsZero() {
			at := policy.Time
			email.ScheduledTime = &at
		}
		return email
	})

	log := e.log.WithField("batch", batch).WithField("policy", policy.String())

	err := e.spool.Add(emails...)
	if err != nil {
		log.WithError(err).Error("could not spool emails")
		return nil
	}
	log.Debugf("spooled %d emails", len(emails))

	err = policy.Validate()
	if err != nil {
		log.WithError(err).Warn("invalid policy, emails are left pending")
		return cloneAll(emails)
	}

	if e.stopped.Load() {
		log.Warn("engine is stopped, emails are left pending")
		return cloneAll(emails)
	}

	ids := slicez.Map(emails, func(email utskick.Email) string {
		return email.ID
	})

	var scheduled []string
	switch policy.Type {
	case utskick.PolicyImmediate:
		e.dispatch(ids)
	case utskick.PolicyAt:
		delay := policy.Time.Sub(now)
		if delay <= 0 {
			e.dispatch(ids)
			break
		}
		scheduled = e.arm(ids, delay)
	case utskick.PolicyBatched:
		for k, c := range chunk(ids, policy.Size) {
			scheduled = append(scheduled, e.arm(c, time.Duration(k)*policy.Interval)...)
		}
	}

	armed := map[string]struct{}{}
	for _, id := range scheduled {
		armed[id] = struct{}{}
	}
	for i := range emails {
		if _, ok := armed[emails[i].ID]; ok {
			emails[i].Status = utskick.StatusScheduled
		}
	}
	return cloneAll(emails)
}

// Cancel pulls a scheduled email back to pending. Other emails sharing its timer
// are still sent when the timer fires. Returns false if id had no armed timer.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()

	g, ok := e.groups[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.groups, id)
	delete(g.armed, id)
	if len(g.armed) == 0 && g.timer != nil {
		g.timer.Stop()
	}

	email, err := e.spool.Move(id, utskick.StatusPending, utskick.StatusScheduled)
	if err != nil {
		e.mu.Unlock()
		e.log.WithField("eid", id).WithError(err).Warn("could not cancel email")
		return false
	}
	_ = e.spool.Logf(id, "[engine] schedule cancelled")
	e.log.WithField("eid", id).Debug("schedule cancelled")

	e.publishAndUnlock(event(email))
	return true
}

// Subscribe registers fn for every status transition. fn is called synchronously
// and must not call Schedule or Cancel itself; reading with Emails is fine.
func (e *Engine) Subscribe(fn signals.Subscriber) (unsubscribe func()) {
	return e.hub.Subscribe(fn)
}

// Emails returns a snapshot of every email, in the order they were scheduled.
func (e *Engine) Emails() []utskick.Email {
	return e.spool.List()
}

func (e *Engine) Email(id string) (utskick.Email, error) {
	return e.spool.Get(id)
}

// Log returns the activity log of an email
func (e *Engine) Log(id string) ([]spool.LogEntry, error) {
	return e.spool.Log(id)
}

// Stop disarms every timer and waits for in-flight sends. If ctx expires first,
// in-flight sends are aborted and their emails keep their current status.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.ostop.Do(func() {
		e.life.Lock()
		e.stopped.Store(true)
		e.life.Unlock()

		e.mu.Lock()
		for _, g := range e.groups {
			if g.timer != nil {
				g.timer.Stop()
			}
		}
		for _, t := range e.deliveries {
			t.Stop()
		}
		e.groups = map[string]*group{}
		e.deliveries = map[string]clockwork.Timer{}
		e.mu.Unlock()

		select {
		case <-e.pool.Stop().Done():
			e.log.Info("engine has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
		e.cancel()
	})
	return err
}

// arm marks ids as scheduled and starts a timer dispatching them after delay.
// It returns the ids that were armed.
func (e *Engine) arm(ids []string, delay time.Duration) []string {
	e.mu.Lock()
	if e.stopped.Load() {
		e.mu.Unlock()
		return nil
	}

	g := &group{
		fireAt: e.clock.Now().Add(delay),
		armed:  map[string]struct{}{},
	}

	var events []utskick.StatusEvent
	for _, id := range ids {
		email, err := e.spool.Move(id, utskick.StatusScheduled, utskick.StatusPending)
		if err != nil {
			e.log.WithField("eid", id).WithError(err).Warn("could not schedule email")
			continue
		}
		_ = e.spool.Logf(id, "[engine] email will be sent at %s", g.fireAt.Format(time.RFC3339))
		g.members = append(g.members, id)
		g.armed[id] = struct{}{}
		e.groups[id] = g
		events = append(events, event(email))
	}

	if len(g.members) > 0 && delay > 0 {
		g.timer = e.clock.AfterFunc(delay, func() {
			e.fire(g)
		})
		e.log.Debugf("armed %d emails, firing in %s", len(g.members), delay)
	}

	members := g.members
	e.publishAndUnlock(events...)

	// Subscribers have seen 'scheduled' at this point, a group due now fires right away
	if delay <= 0 {
		e.fire(g)
	}
	return members
}

func (e *Engine) fire(g *group) {
	e.mu.Lock()
	var due []string
	for _, id := range g.members {
		if _, ok := g.armed[id]; !ok {
			continue // cancelled
		}
		delete(g.armed, id)
		if e.groups[id] == g {
			delete(e.groups, id)
		}
		due = append(due, id)
	}
	e.mu.Unlock()

	e.log.Debugf("timer fired, dispatching %d of %d emails", len(due), len(g.members))
	e.dispatch(due)
}

func (e *Engine) dispatch(ids []string) {
	e.life.RLock()
	defer e.life.RUnlock()

	for _, id := range ids {
		if e.stopped.Load() {
			e.log.WithField("eid", id).Warn("engine stopped, skipping email")
			continue
		}
		e.pool.Submit(e.send(id))
	}
}

func (e *Engine) send(id string) func() {
	return func() {
		err := e.deliver(e.ctx, id)
		if err != nil {
			e.log.WithField("eid", id).WithError(err).Warn("could not send email")
		}
	}
}

// deliver performs the send of one email and records the outcome.
// A failed send is not retried.
func (e *Engine) deliver(ctx context.Context, id string) error {
	email, err := e.spool.Get(id)
	if err != nil {
		return err
	}
	if email.Status.Terminal() {
		return fmt.Errorf("email %s is already %s", id, email.Status)
	}

	_ = e.spool.Logf(id, "[engine] sending email to '%s'", email.Address)
	err = e.transport.Send(ctx, email)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		_ = e.spool.Logf(id, "[engine] send aborted by shutdown")
		return err
	}

	if err != nil {
		_ = e.spool.Logf(id, "[engine] send failed: %v", err)
		e.transition(id, utskick.StatusFailed)
		return fmt.Errorf("could not send email %s: %w", id, err)
	}

	if e.transition(id, utskick.StatusSent) {
		e.armDelivery(id)
	}
	return nil
}

// transition moves a pending or scheduled email to `to` and publishes the change.
func (e *Engine) transition(id string, to utskick.Status) bool {
	e.mu.Lock()
	email, err := e.spool.Move(id, to, utskick.StatusPending, utskick.StatusScheduled)
	if err != nil {
		e.mu.Unlock()
		e.log.WithField("eid", id).WithError(err).Debugf("discarding '%s' transition", to)
		return false
	}
	e.publishAndUnlock(event(email))
	return true
}

func (e *Engine) armDelivery(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped.Load() {
		return
	}
	e.deliveries[id] = e.clock.AfterFunc(e.cfg.DeliveryDelay, func() {
		e.mu.Lock()
		delete(e.deliveries, id)
		e.mu.Unlock()

		err := e.spool.SetDelivery(id, utskick.DeliveryDelivered)
		if err != nil {
			e.log.WithField("eid", id).WithError(err).Warn("could not set delivery status")
		}
	})
}

// publishAndUnlock must be called with mu held. Events are published after mu is
// released but before any later transition can be published.
func (e *Engine) publishAndUnlock(events ...utskick.StatusEvent) {
	e.emit.Lock()
	e.mu.Unlock()
	defer e.emit.Unlock()

	for _, ev := range events {
		e.hub.Notify(ev)
	}
}

func event(email utskick.Email) utskick.StatusEvent {
	return utskick.StatusEvent{
		ID:      email.ID,
		BatchID: email.BatchID,
		Status:  email.Status,
		At:      email.UpdatedAt,
	}
}

func chunk[A any](s []A, size int) [][]A {
	var chunks [][]A
	for size < len(s) {
		chunks = append(chunks, s[:size:size])
		s = s[size:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func cloneAll(emails []utskick.Email) []utskick.Email {
	return slicez.Map(emails, utskick.Email.Clone)
}
