package utskick_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/analytics"
	"github.com/modfin/utskick/internal/engine"
	"github.com/modfin/utskick/internal/transport"
	"github.com/modfin/utskick/internal/web"
	"github.com/modfin/utskick/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lc := tools.LoggerCloner(tools.DiscardLogger())
	e := engine.New(engine.Config{Workers: 2}, lc, transport.NewSimulated(clock, time.Second), clock)
	tracker := analytics.NewTracker(e, lc)
	ws := web.New(context.Background(), web.Config{}, lc, e, tracker, nil)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = ws.Stop(ctx)
		_ = e.Stop(ctx)
	})

	ctx := context.Background()
	c := utskick.NewClient(srv.URL + "/")
	c.IdempotencyKey = "campaign-1"

	rows := []utskick.Row{
		{utskick.ColumnCompanyName: "Acme", utskick.ColumnEmail: "acme@example.com"},
		{utskick.ColumnCompanyName: "Globex", utskick.ColumnEmail: "globex@example.com"},
	}
	res, err := c.Schedule(ctx, rows, utskick.At(clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, res.Emails, 2)

	again, err := c.Schedule(ctx, rows, utskick.At(clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, again.BatchID)

	c.IdempotencyKey = ""
	_, err = c.Schedule(ctx, rows, utskick.Batched(0, time.Minute))
	assert.ErrorIs(t, err, utskick.ErrInvalidPolicy)

	emails, err := c.Emails(ctx)
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	cancelled, err := c.Cancel(ctx, res.Emails[0].ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	pending, err := c.Emails(ctx, utskick.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Emails[0].ID, pending[0].ID)

	email, err := c.Email(ctx, res.Emails[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Globex", email.CompanyName)
	assert.Equal(t, utskick.StatusScheduled, email.Status)

	_, err = c.Email(ctx, "nope")
	assert.ErrorIs(t, err, utskick.ErrNotFound)

	a, err := c.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, utskick.Analytics{Total: 2, Pending: 1, Scheduled: 1}, a)
}
