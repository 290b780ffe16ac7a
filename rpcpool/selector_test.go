package rpcpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoFallsBackOnTransientFailure(t *testing.T) {
	s := NewSelector([]string{"http://a", "http://b"}, Config{})

	var attempts []string

	err := s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
		attempts = append(attempts, url)

		if url == "http://a" {
			return &TransientError{Err: errors.New("read timeout")}
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, attempts)
}

func TestDoPermanentErrorSkipsFallback(t *testing.T) {
	s := NewSelector([]string{"http://a", "http://b"}, Config{})

	var attempts int

	err := s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
		attempts++
		return &PermanentError{Err: errors.New("malformed response")}
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustedWhenBreakerOpen(t *testing.T) {
	s := NewSelector([]string{"http://a"}, Config{MaxConsecutiveErrors: 2})

	op := func(ctx context.Context, url string) error {
		return &TransientError{Err: errors.New("connection refused")}
	}

	for i := 0; i < 2; i++ {
		err := s.Do(context.Background(), "test", op)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	}

	err := s.Do(context.Background(), "test", op)
	assert.True(t, IsExhausted(err))

	healths := s.Healths()
	require.Len(t, healths, 1)
	assert.True(t, healths[0].Down)
}

func TestPickPrefersLowerLatency(t *testing.T) {
	s := NewSelector([]string{"http://slow", "http://fast"}, Config{})

	s.endpoints[0].observeSuccess(50 * time.Millisecond)
	s.endpoints[1].observeSuccess(10 * time.Millisecond)

	assert.Equal(t, "http://fast", s.pick(nil).URL)
	assert.Equal(t, "http://slow", s.pick(s.endpoints[1]).URL)
}

func TestVerifyDisablesEndpoint(t *testing.T) {
	verifyErr := errors.New("chain id mismatch")

	s := NewSelector([]string{"http://a"}, Config{
		Verify: func(ctx context.Context, url string) error { return verifyErr },
	})

	err := s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	// The endpoint stays out of rotation afterwards.
	err = s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
		return nil
	})
	assert.True(t, IsExhausted(err))

	healths := s.Healths()
	require.Len(t, healths, 1)
	assert.True(t, healths[0].ChainIDMismatch)
}

func TestVerifyBoundedByRequestTimeout(t *testing.T) {
	timeout := 250 * time.Millisecond

	var deadlineIn time.Duration

	s := NewSelector([]string{"http://a"}, Config{
		RequestTimeout: timeout,
		Verify: func(ctx context.Context, url string) error {
			if deadline, ok := ctx.Deadline(); ok {
				deadlineIn = time.Until(deadline)
			}

			return nil
		},
	})

	require.NoError(t, s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
		return nil
	}))

	assert.Positive(t, deadlineIn)
	assert.LessOrEqual(t, deadlineIn, timeout)
}

func TestVerifyRunsOnce(t *testing.T) {
	var verifications int

	s := NewSelector([]string{"http://a"}, Config{
		Verify: func(ctx context.Context, url string) error {
			verifications++
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		err := s.Do(context.Background(), "test", func(ctx context.Context, url string) error {
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, verifications)
}

func TestRecentRecordsCalls(t *testing.T) {
	s := NewSelector([]string{"http://a"}, Config{})

	require.NoError(t, s.Do(context.Background(), "eth_blockNumber", func(ctx context.Context, url string) error {
		return nil
	}))

	records := s.Recent()
	require.Len(t, records, 1)
	assert.Equal(t, "http://a", records[0].Endpoint)
	assert.Equal(t, "eth_blockNumber", records[0].Method)
	assert.True(t, records[0].OK)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	assert.True(t, IsTransient(classify(rpc.HTTPError{StatusCode: 429})))
	assert.True(t, IsTransient(classify(rpc.HTTPError{StatusCode: 503})))
	assert.True(t, IsPermanent(classify(rpc.HTTPError{StatusCode: 400})))
	assert.True(t, IsTransient(classify(context.DeadlineExceeded)))
	assert.True(t, IsTransient(classify(errors.New("mystery"))))

	// Pre-classified errors pass through untouched.
	perm := &PermanentError{Err: errors.New("bad block")}
	assert.Same(t, error(perm), classify(perm))
}
