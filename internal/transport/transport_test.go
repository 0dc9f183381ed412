package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modfin/utskick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_WaitsForLatency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSimulated(clock, 1500*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), utskick.Email{ID: "1", Address: "a@example.com"})
	}()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("send returned before latency elapsed")
	default:
	}

	clock.Advance(1500 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after latency elapsed")
	}
}

func TestSimulated_ContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSimulated(clock, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, utskick.Email{ID: "1"})
	}()

	clock.BlockUntil(1)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	clock.BlockUntil(0)
}

func TestSimulated_Faults(t *testing.T) {
	testErr := errors.New("test error")

	type testCase struct {
		name    string
		fault   Fault
		address string
		wantErr error
	}
	for _, tc := range []testCase{
		{name: "no fault", address: "a@example.com"},
		{name: "fail all", fault: FailAll(testErr), address: "a@example.com", wantErr: testErr},
		{name: "fail all default", fault: FailAll(nil), address: "a@example.com", wantErr: ErrRejected},
		{name: "blocked address", fault: FailAddresses(" Bad@Example.com"), address: "bad@example.com", wantErr: ErrRejected},
		{name: "other address", fault: FailAddresses("bad@example.com"), address: "good@example.com"},
		{name: "rate one", fault: FailRate(1, 1), address: "a@example.com", wantErr: ErrRejected},
		{name: "rate zero", fault: FailRate(0, 1), address: "a@example.com"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSimulated(nil, 0, WithFault(tc.fault))
			err := s.Send(context.Background(), utskick.Email{ID: "1", Address: tc.address})
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestFailRate_Deterministic(t *testing.T) {
	run := func() []bool {
		f := FailRate(0.5, 42)
		var res []bool
		for i := 0; i < 50; i++ {
			res = append(res, f(utskick.Email{}) != nil)
		}
		return res
	}
	assert.Equal(t, run(), run())
}
