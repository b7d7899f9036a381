package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) { retried = append(retried, attempt) }

	err := New(cfg).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeFetchFailed, "count failed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryer_NonRetryableError(t *testing.T) {
	attempts := 0
	testErr := errors.NewInvalidArgument("bad")
	err := New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return testErr
	})
	assert.Same(t, testErr, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_Exhausted(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeFetchFailed, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, stderrors.Is(err, errors.ErrFetchFailed))
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(fastConfig()).Do(ctx, func(context.Context) error { return nil })
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
}

func TestCalculateDelay_Capped(t *testing.T) {
	r := New(Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2})
	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 3*time.Second, r.calculateDelay(5))
}
