package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/fserr"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateSearchImages, EventImagesFound, StateMapPerImage},
		{StateSearchImages, EventNoImages, StateNoImagesFound},
		{StateSearchImages, EventFailure, StateFailed},
		{StateMapPerImage, EventChildrenDone, StateConsolidateResults},
		{StateConsolidateResults, EventSuccess, StateSendAlert},
		{StateConsolidateResults, EventFailure, StateFailed},
		{StateSendAlert, EventSuccess, StateDone},
		{StateImageNDVI, EventSuccess, StateImageCheckModel},
		{StateImageNDVI, EventFailure, StateImageFailed},
		{StateImageCheckModel, EventModelPresent, StateImageReuseModel},
		{StateImageCheckModel, EventModelAbsent, StateImageSelectK},
		{StateImageSelectK, EventSuccess, StateImageTrain},
		{StateImageSelectK, EventFailure, StateImageTrain},
		{StateImageTrain, EventSuccess, StateImageSaveModel},
		{StateImageTrain, EventFailure, StateImageFailed},
		{StateImageSaveModel, EventSuccess, StateImageVisualize},
		{StateImageSaveModel, EventFailure, StateImageFailed},
		{StateImageReuseModel, EventSuccess, StateImageVisualize},
		{StateImageReuseModel, EventFailure, StateImageVisualize},
		{StateImageVisualize, EventSuccess, StateImageDone},
		{StateImageVisualize, EventFailure, StateImageDone},
	}
	for _, tc := range tests {
		got, err := Transition(tc.from, tc.ev)
		require.NoError(t, err, "%s on %s", tc.from, tc.ev)
		assert.Equal(t, tc.want, got, "%s on %s", tc.from, tc.ev)
	}
}

func TestTransitionRejectsTerminalStates(t *testing.T) {
	for _, st := range []State{StateDone, StateFailed, StateNoImagesFound, StateImageDone, StateImageFailed} {
		assert.True(t, st.Terminal(), st)
		_, err := Transition(st, EventSuccess)
		assert.Error(t, err, st)
	}
}

func TestTransitionRejectsUnknownEvent(t *testing.T) {
	_, err := Transition(StateMapPerImage, EventModelPresent)
	assert.Error(t, err)
}

func TestNextDelayGrowth(t *testing.T) {
	p := retryPolicy{Initial: time.Second, Multiplier: 2, Max: time.Minute}
	assert.Equal(t, time.Second, p.nextDelay(0, 0.5))
	assert.Equal(t, 2*time.Second, p.nextDelay(1, 0.5))
	assert.Equal(t, 4*time.Second, p.nextDelay(2, 0.5))
	assert.Equal(t, time.Minute, p.nextDelay(10, 0.5), "delay saturates at the cap")
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := retryPolicy{Initial: time.Second, Multiplier: 2, Jitter: 0.2}
	assert.Equal(t, 800*time.Millisecond, p.nextDelay(0, 0))
	assert.Equal(t, 1200*time.Millisecond, p.nextDelay(0, 1))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := retryPolicy{MaxAttempts: 5, Initial: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.retry(context.Background(), "op", func(context.Context) error {
		calls++
		return fserr.Ef(fserr.KindValidation, "op", "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsTransientErrors(t *testing.T) {
	p := retryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.retry(context.Background(), "op", func(context.Context) error {
		calls++
		return fserr.Ef(fserr.KindTransient, "op", "flaky")
	})
	require.Error(t, err)
	assert.True(t, fserr.Is(err, fserr.KindTransient))
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	p := retryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.retry(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return fserr.Ef(fserr.KindTransient, "op", "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	p := retryPolicy{MaxAttempts: 10, Initial: 10 * time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.retry(ctx, "op", func(context.Context) error {
		return fserr.Ef(fserr.KindTransient, "op", "flaky")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTileFromImageID(t *testing.T) {
	assert.Equal(t, "T21MYN",
		tileFromImageID("S2B_MSIL2A_20220615T140059_N0400_R067_T21MYN_20220615T174914", "r1"))
	assert.Equal(t, "r1", tileFromImageID("unstructured-id", "r1"))
}
