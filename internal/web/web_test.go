package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/analytics"
	"github.com/modfin/utskick/internal/engine"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/internal/spool"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *engine.Engine
	tracker *analytics.Tracker
	server  *Server
	handler http.Handler
	clock   interface {
		clockwork.Clock
		Advance(d time.Duration)
		BlockUntil(n int)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	lc := tools.LoggerCloner(tools.DiscardLogger())

	e := engine.New(engine.Config{Workers: 4}, lc, transport.NewSimulated(clock, time.Second), clock)
	tracker := analytics.NewTracker(e, lc)
	m := metrics.New(metrics.Config{Poll: true}, lc)
	e.Subscribe(m.ObserveEvent)

	s := New(context.Background(), Config{}, lc, e, tracker, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = s.Stop(ctx)
		tracker.Stop()
		_ = e.Stop(ctx)
	})
	return &fixture{engine: e, tracker: tracker, server: s, handler: s.Handler(), clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[A any](t *testing.T, rec *httptest.ResponseRecorder) A {
	t.Helper()
	var a A
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a), rec.Body.String())
	return a
}

var rows = []utskick.Row{
	{"companyName": "Acme", "email": "acme@example.com"},
	{"companyName": "Globex", "email": "globex@example.com"},
	{"email": "anon@example.com"},
}

func TestPostCampaign(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/campaigns", utskick.CampaignRequest{
		Rows:   rows,
		Policy: utskick.PolicySpec{Type: "batched", Size: 2, IntervalMinutes: 30},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	res := decode[utskick.CampaignResponse](t, rec)
	require.Len(t, res.Emails, 3)
	assert.NotEmpty(t, res.BatchID)
	for _, e := range res.Emails {
		assert.Equal(t, res.BatchID, e.BatchID)
		assert.Equal(t, utskick.StatusScheduled, e.Status)
	}
	assert.Equal(t, "Acme", res.Emails[0].CompanyName)
	assert.Equal(t, "", res.Emails[2].CompanyName)
	assert.Equal(t, "anon@example.com", res.Emails[2].Address)
}

func TestPostCampaign_Invalid(t *testing.T) {
	f := newFixture(t)

	for name, body := range map[string]any{
		"unknown policy":  utskick.CampaignRequest{Rows: rows, Policy: utskick.PolicySpec{Type: "weekly"}},
		"batched no size": utskick.CampaignRequest{Rows: rows, Policy: utskick.PolicySpec{Type: "batched", IntervalMinutes: 1}},
		"at no time":      utskick.CampaignRequest{Rows: rows, Policy: utskick.PolicySpec{Type: "at"}},
		"not json":        "rows",
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/campaigns", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[utskick.ErrorResponse](t, rec).Error)
		})
	}
	assert.Empty(t, f.engine.Emails())
}

func TestPostCampaign_IdempotencyKey(t *testing.T) {
	f := newFixture(t)

	body := utskick.CampaignRequest{Rows: rows, Policy: utskick.PolicySpec{Type: "immediate"}}
	first := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", body, "Idempotency-Key", "abc"))
	again := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", body, "Idempotency-Key", "abc"))
	other := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", body, "Idempotency-Key", "def"))

	assert.Equal(t, first.BatchID, again.BatchID)
	assert.NotEqual(t, first.BatchID, other.BatchID)
	assert.Len(t, f.engine.Emails(), 6)
}

func TestEmails(t *testing.T) {
	f := newFixture(t)

	now := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", utskick.CampaignRequest{
		Rows: rows[:1], Policy: utskick.PolicySpec{Type: "immediate"},
	}))
	at := f.clock.Now().Add(time.Hour)
	later := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", utskick.CampaignRequest{
		Rows: rows[1:], Policy: utskick.PolicySpec{Type: "scheduled", Time: &at},
	}))

	f.clock.BlockUntil(2) // one send, one timer
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(2) // one delivery, one timer

	all := decode[[]utskick.Email](t, f.do(t, http.MethodGet, "/emails", nil))
	require.Len(t, all, 3)
	assert.Equal(t, now.Emails[0].ID, all[0].ID)
	assert.Equal(t, utskick.StatusSent, all[0].Status)

	scheduled := decode[[]utskick.Email](t, f.do(t, http.MethodGet, "/emails?status=scheduled", nil))
	assert.Len(t, scheduled, 2)

	batch := decode[[]utskick.Email](t, f.do(t, http.MethodGet, "/emails?batch="+now.BatchID, nil))
	assert.Len(t, batch, 1)

	none := f.do(t, http.MethodGet, "/emails?status=failed", nil)
	assert.Equal(t, "[]\n", none.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/emails?status=lost", nil).Code)

	one := decode[utskick.Email](t, f.do(t, http.MethodGet, "/emails/"+later.Emails[0].ID, nil))
	assert.Equal(t, "Globex", one.CompanyName)
	require.NotNil(t, one.ScheduledTime)
	assert.True(t, at.Equal(*one.ScheduledTime))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/emails/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/emails/nope/log", nil).Code)

	log := decode[[]spool.LogEntry](t, f.do(t, http.MethodGet, "/emails/"+all[0].ID+"/log", nil))
	assert.NotEmpty(t, log)
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(t)

	at := f.clock.Now().Add(time.Hour)
	res := decode[utskick.CampaignResponse](t, f.do(t, http.MethodPost, "/campaigns", utskick.CampaignRequest{
		Rows: rows, Policy: utskick.PolicySpec{Type: "at", Time: &at},
	}))
	id := res.Emails[0].ID

	cancelled := decode[utskick.CancelResponse](t, f.do(t, http.MethodDelete, "/emails/"+id+"/schedule", nil))
	assert.Equal(t, utskick.CancelResponse{ID: id, Cancelled: true}, cancelled)

	again := decode[utskick.CancelResponse](t, f.do(t, http.MethodDelete, "/emails/"+id+"/schedule", nil))
	assert.False(t, again.Cancelled)

	unknown := f.do(t, http.MethodDelete, "/emails/nope/schedule", nil)
	assert.Equal(t, http.StatusOK, unknown.Code)
	assert.False(t, decode[utskick.CancelResponse](t, unknown).Cancelled)

	email := decode[utskick.Email](t, f.do(t, http.MethodGet, "/emails/"+id, nil))
	assert.Equal(t, utskick.StatusPending, email.Status)
}

func TestAnalyticsAndMetrics(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/campaigns", utskick.CampaignRequest{Rows: rows, Policy: utskick.PolicySpec{Type: "immediate"}})
	f.clock.BlockUntil(3)
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(3)

	a := decode[utskick.Analytics](t, f.do(t, http.MethodGet, "/analytics", nil))
	assert.Equal(t, utskick.Analytics{Total: 3, Sent: 3, ResponseRate: 100}, a)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `utskick_status_transitions_total{status="sent"} 3`)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ping", nil).Code)
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t)
	f.server.config.Interface = "127.0.0.1"
	f.server.config.Port = 0

	require.NoError(t, f.server.Start())
	resp, err := http.Get("http://" + f.server.Addr().String() + "/ping")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.server.Stop(context.Background()))
}
