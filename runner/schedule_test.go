package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/winesync/imap"
)

func waitScheduled(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled runner did not return")
		return nil
	}
}

func TestRunScheduled_RunsFirstCycleImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := &fakeMailbox{onConnect: cancel}
	mb.add(1, rawEmail("1@vinatis.com", "shop@vinatis.com", "Commande", chablisBody))
	cl := &fakeClassifier{fn: chablisOrder}
	r := newTestRunner(t, mb, cl, &fakeExporter{}, Options{})

	done := make(chan error, 1)
	go func() {
		done <- r.RunScheduled(ctx, "@every 1h")
	}()

	require.NoError(t, waitScheduled(t, done))
	assert.Equal(t, 1, mb.connectCount())
}

func TestRunScheduled_FirstCycleFailureIsReturned(t *testing.T) {
	mb := &fakeMailbox{connectErr: fmt.Errorf("%w: NO [AUTHENTICATIONFAILED]", imap.ErrAuthFailed)}
	ex := &fakeExporter{}
	r := newTestRunner(t, mb, &fakeClassifier{fn: notOrder}, ex, Options{})

	done := make(chan error, 1)
	go func() {
		done <- r.RunScheduled(context.Background(), "@every 1h")
	}()

	err := waitScheduled(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, imap.ErrAuthFailed)
	assert.Equal(t, 1, mb.connectCount())
	assert.Empty(t, ex.appended)
}

func TestRunScheduled_AuthFailureOnTickStops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb := &fakeMailbox{connectErrs: []error{nil, fmt.Errorf("%w: NO", imap.ErrAuthFailed)}}
	r := newTestRunner(t, mb, &fakeClassifier{fn: notOrder}, &fakeExporter{}, Options{})

	done := make(chan error, 1)
	go func() {
		done <- r.RunScheduled(ctx, "@every 1s")
	}()

	err := waitScheduled(t, done)
	assert.ErrorIs(t, err, imap.ErrAuthFailed)
	assert.Equal(t, 2, mb.connectCount())
}

func TestRunScheduled_FailedTickKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := &fakeMailbox{connectErrs: []error{nil, assert.AnError}}
	r := newTestRunner(t, mb, &fakeClassifier{fn: notOrder}, &fakeExporter{}, Options{})

	done := make(chan error, 1)
	go func() {
		done <- r.RunScheduled(ctx, "@every 1s")
	}()

	require.Eventually(t, func() bool { return mb.connectCount() >= 3 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	require.NoError(t, waitScheduled(t, done))
}

func TestRunScheduled_InvalidSchedule(t *testing.T) {
	r := newTestRunner(t, &fakeMailbox{}, &fakeClassifier{fn: notOrder}, &fakeExporter{}, Options{})
	err := r.RunScheduled(context.Background(), "every now and then")
	assert.Error(t, err)
}
