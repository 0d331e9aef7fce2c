package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestDoRetriesMatchingErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	}, On(errBusy), WithBaseDelay(0))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, On(errBusy), WithBaseDelay(0))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errBusy
	}, On(errBusy), WithMaxAttempts(4), WithBaseDelay(0))

	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 4, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errBusy
	}, On(errBusy), WithBaseDelay(time.Hour))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestInvalidOptions(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		opt  Option
		want error
	}{
		{"zero attempts", WithMaxAttempts(0), ErrInvalidMaxAttempts},
		{"negative delay", WithBaseDelay(-time.Second), ErrNegativeBaseDelay},
		{"jitter above one", WithJitterFactor(1.5), ErrInvalidJitterFactor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Do(context.Background(), noop, tt.opt), tt.want)
		})
	}
}
