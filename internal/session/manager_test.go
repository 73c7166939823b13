package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

type fakeBackend struct {
	attachDelay time.Duration
	attachErr   error
	urls        map[string]string
	invokeFn    func(ctx context.Context, sessionID, method string) (json.RawMessage, error)

	mu       sync.Mutex
	seq      int
	attaches int
	detaches []string
	calls    atomic.Int32
}

func (f *fakeBackend) Attach(ctx context.Context, targetID string) (string, error) {
	if f.attachDelay > 0 {
		time.Sleep(f.attachDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return "", f.attachErr
	}
	f.attaches++
	f.seq++
	return fmt.Sprintf("session-%d", f.seq), nil
}

func (f *fakeBackend) Detach(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.detaches = append(f.detaches, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Invoke(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.invokeFn != nil {
		return f.invokeFn(ctx, sessionID, method)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeBackend) TargetURL(ctx context.Context, targetID string) (string, error) {
	if u, ok := f.urls[targetID]; ok {
		return u, nil
	}
	return "https://example.com/", nil
}

func (f *fakeBackend) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches
}

func (f *fakeBackend) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detaches)
}

func newTestManager(t *testing.T, b *fakeBackend, cfg Config) *Manager {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	m, err := NewManager(b, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestAcquireConcurrentCallersShareOneAttach(t *testing.T) {
	b := &fakeBackend{attachDelay: 50 * time.Millisecond}
	m := newTestManager(t, b, Config{})

	const n = 50
	sessions := make([]*Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Acquire(context.Background(), "target-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, b.attachCount())
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, Attached, m.State("target-1"))

	again, err := m.Acquire(context.Background(), "target-1")
	require.NoError(t, err)
	assert.Same(t, sessions[0], again)
	assert.Equal(t, 1, b.attachCount())
}

func TestAcquireUnrelatedTargetsDoNotShare(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b, Config{})

	a, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	c, err := m.Acquire(context.Background(), "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, m.Active())
}

func TestIdleSessionExpiresAndNextExecuteReattaches(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b, Config{IdleTimeout: 50 * time.Millisecond})

	first, err := m.Acquire(context.Background(), "t")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.State("t") == Unattached
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.detachCount())
	assert.ErrorIs(t, first.Err(), errExpired)

	_, err = m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, b.attachCount())
	assert.Equal(t, Attached, m.State("t"))
}

func TestIdleTimerWaitsForInflightCall(t *testing.T) {
	b := &fakeBackend{
		invokeFn: func(ctx context.Context, _, _ string) (json.RawMessage, error) {
			time.Sleep(120 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		},
	}
	m := newTestManager(t, b, Config{IdleTimeout: 30 * time.Millisecond})

	_, err := m.Execute(context.Background(), "t", "Input.dispatchMouseEvent", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Attached, m.State("t"))
	assert.Equal(t, 0, b.detachCount())
}

func blockingBackend(started chan<- struct{}) *fakeBackend {
	return &fakeBackend{
		invokeFn: func(ctx context.Context, _, _ string) (json.RawMessage, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func TestImmediateReleaseAbortsInflightCalls(t *testing.T) {
	started := make(chan struct{}, 3)
	b := blockingBackend(started)
	m := newTestManager(t, b, Config{})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := m.Execute(context.Background(), "t", "Runtime.evaluate", nil, 10*time.Second)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	m.Release("t", true)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, protocol.IsCode(err, protocol.CodeSessionAborted), "got %v", err)
		case <-time.After(time.Second):
			t.Fatal("in-flight execute was not aborted")
		}
	}
	assert.Equal(t, 1, b.attachCount(), "aborted calls must not be retried")
	assert.Equal(t, Unattached, m.State("t"))
	assert.Equal(t, 1, b.detachCount())
}

func TestDeferredReleaseKeepsSessionUntilIdle(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b, Config{IdleTimeout: 40 * time.Millisecond})

	_, err := m.Acquire(context.Background(), "t")
	require.NoError(t, err)
	m.Release("t", false)
	assert.Equal(t, Attached, m.State("t"))

	require.Eventually(t, func() bool {
		return m.State("t") == Unattached
	}, time.Second, 5*time.Millisecond)
}

func TestExternalDetachAbortsAndInvalidates(t *testing.T) {
	started := make(chan struct{}, 1)
	b := blockingBackend(started)
	m := newTestManager(t, b, Config{})

	s, err := m.Acquire(context.Background(), "t")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "t", "Runtime.evaluate", nil, 10*time.Second)
		errs <- err
	}()
	<-started

	m.HandleDetached(s.ID)

	select {
	case err := <-errs:
		assert.True(t, protocol.IsCode(err, protocol.CodeSessionAborted), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("execute was not aborted by external detach")
	}
	assert.Equal(t, 0, b.detachCount(), "browser already detached")
	assert.Equal(t, Unattached, m.State("t"))

	b.invokeFn = nil
	next, err := m.Acquire(context.Background(), "t")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestTargetClosedDropsState(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, b, Config{})

	s, err := m.Acquire(context.Background(), "t")
	require.NoError(t, err)
	m.HandleTargetClosed("t")

	assert.ErrorIs(t, s.Err(), errTargetClosed)
	assert.Equal(t, Unattached, m.State("t"))
	assert.Equal(t, 0, m.Active())
}

func TestExecuteRetriesTransportFailures(t *testing.T) {
	var failures atomic.Int32
	b := &fakeBackend{}
	b.invokeFn = func(ctx context.Context, _, _ string) (json.RawMessage, error) {
		if failures.Add(1) <= 2 {
			return nil, errors.New("websocket: connection reset by peer")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	m := newTestManager(t, b, Config{})

	raw, err := m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(3), b.calls.Load())
	assert.Equal(t, 3, b.attachCount(), "each transport failure drops the session")
}

func TestExecuteGivesUpAfterBoundedRetries(t *testing.T) {
	b := &fakeBackend{
		invokeFn: func(ctx context.Context, _, _ string) (json.RawMessage, error) {
			return nil, protocol.NewError(protocol.CodeTimeout, "slow", context.DeadlineExceeded)
		},
	}
	m := newTestManager(t, b, Config{MaxRetries: 2})

	_, err := m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeTimeout))
	assert.Equal(t, int32(3), b.calls.Load())
}

func TestRetryDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, Config{}.withDefaults().MaxRetries)
	assert.Equal(t, 0, Config{MaxRetries: -1}.withDefaults().MaxRetries)

	b := &fakeBackend{
		invokeFn: func(ctx context.Context, _, _ string) (json.RawMessage, error) {
			return nil, errors.New("websocket: connection reset by peer")
		},
	}
	m := newTestManager(t, b, Config{MaxRetries: -1})
	_, err := m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	b := &fakeBackend{
		invokeFn: func(ctx context.Context, _, _ string) (json.RawMessage, error) {
			return nil, protocol.Validationf("bad params")
		},
	}
	m := newTestManager(t, b, Config{})

	_, err := m.Execute(context.Background(), "t", "Input.dispatchKeyEvent", nil, time.Second)
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeValidation))
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestRestrictedSurfaceIsRejectedPermanently(t *testing.T) {
	b := &fakeBackend{urls: map[string]string{"t": "chrome://settings/"}}
	m := newTestManager(t, b, Config{})

	_, err := m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, protocol.CodeAttach, protocol.CodeOf(err))
	assert.Equal(t, 0, b.attachCount())
	assert.Equal(t, Unattached, m.State("t"))

	assert.True(t, m.Restricted("https://chromewebstore.google.com/detail/x"))
	assert.False(t, m.Restricted("https://example.com"))
}

func TestTransientAttachFailureIsRetried(t *testing.T) {
	b := &fakeBackend{attachErr: errors.New("connection refused")}
	m := newTestManager(t, b, Config{MaxRetries: 1})

	_, err := m.Execute(context.Background(), "t", "Page.reload", nil, time.Second)
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeAttach))
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestAcquireHonoursCallerContext(t *testing.T) {
	b := &fakeBackend{attachDelay: 200 * time.Millisecond}
	m := newTestManager(t, b, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "t")
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeTimeout))
}

func TestCloseDetachesEverything(t *testing.T) {
	b := &fakeBackend{}
	m, err := NewManager(b, Config{})
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b")
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, 2, b.detachCount())
	assert.Equal(t, 0, m.Active())

	_, err = m.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
