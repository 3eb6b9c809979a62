package download

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pwa-cache/fetch"
)

func okResponse(body string) *fetch.Response {
	return fetch.NewResponse(http.StatusOK, http.Header{"Content-Type": {"image/png"}}, []byte(body))
}

func TestDo_SingleCall(t *testing.T) {
	d := New()

	resp, shared, err := d.Do(context.Background(), "GET https://menu.example/logo.png", func(ctx context.Context) (*fetch.Response, error) {
		return okResponse("png"), nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, http.StatusOK, resp.Status)
	body, err := resp.Bytes()
	require.NoError(t, err)
	require.Equal(t, "png", string(body))
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32

	var wg sync.WaitGroup
	results := make([]*fetch.Response, 10)
	errs := make([]error, 10)

	// Make the fetch slow enough for all goroutines to pile up
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "shared-key", func(ctx context.Context) (*fetch.Response, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return okResponse("data"), nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		// Every waiter reads its own body.
		body, err := results[i].Bytes()
		require.NoError(t, err)
		require.Equal(t, "data", string(body))
	}
}

func TestDo_WaitersGetIndependentHeaders(t *testing.T) {
	d := New()

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*fetch.Response, 2)
	for i := range 2 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, _ = d.Do(context.Background(), "hdr", func(ctx context.Context) (*fetch.Response, error) {
				<-start
				return okResponse("x"), nil
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	results[0].Header.Set("Content-Type", "text/plain")
	require.Equal(t, "image/png", results[1].Header.Get("Content-Type"))
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool

	// First caller with short timeout
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, _ = d.Do(shortCtx, "timeout-key", func(ctx context.Context) (*fetch.Response, error) {
			time.Sleep(200 * time.Millisecond)
			assert.NoError(t, ctx.Err(), "fetch context must not inherit caller cancellation")
			fetchCompleted.Store(true)
			return okResponse("slow"), nil
		})
	}()

	// Wait for first caller to start the fetch
	time.Sleep(5 * time.Millisecond)

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	resp, shared, err := d.Do(longCtx, "timeout-key", func(ctx context.Context) (*fetch.Response, error) {
		t.Fatal("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	body, err := resp.Bytes()
	require.NoError(t, err)
	require.Equal(t, "slow", string(body))
	require.True(t, fetchCompleted.Load())

	slowWg.Wait()
}

func TestDo_FetchError(t *testing.T) {
	d := New()

	expectedErr := errors.New("origin unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), "error-key", func(ctx context.Context) (*fetch.Response, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_ConsumedResponseIsError(t *testing.T) {
	d := New()

	_, _, err := d.Do(context.Background(), "used", func(ctx context.Context) (*fetch.Response, error) {
		resp := okResponse("x")
		_, _ = resp.Bytes()
		return resp, nil
	})
	require.ErrorIs(t, err, fetch.ErrBodyUsed)
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) (*fetch.Response, error) {
				callCount.Add(1)
				return okResponse(key), nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestForgetOnError_SkipsContextErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32

	started := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), "forget-test", func(ctx context.Context) (*fetch.Response, error) {
			callCount.Add(1)
			close(started)
			time.Sleep(200 * time.Millisecond)
			return okResponse("data"), nil
		})
	}()

	<-started

	// A caller that timed out must not forget the shared fetch.
	ForgetOnError(d, "forget-test", context.DeadlineExceeded)

	_, shared, err := d.Do(context.Background(), "forget-test", func(ctx context.Context) (*fetch.Response, error) {
		callCount.Add(1)
		return okResponse("data"), nil
	})

	require.NoError(t, err)
	require.True(t, shared, "should share the in-flight fetch")
	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
}

func TestForgetOnError_ForgetsRealErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expectedErr := errors.New("origin error")

	_, _, err := d.Do(context.Background(), "forget-err", func(ctx context.Context) (*fetch.Response, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	ForgetOnError(d, "forget-err", expectedErr)

	_, shared, err := d.Do(context.Background(), "forget-err", func(ctx context.Context) (*fetch.Response, error) {
		callCount.Add(1)
		return okResponse("retry"), nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, int32(2), callCount.Load())
}
