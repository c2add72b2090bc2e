package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/gpuplane/pkg/utils/retry"
)

func TestBlocking(t *testing.T) {
	t.Run("it retries on ErrRetry until success", func(t *testing.T) {
		attempts := 0
		actual, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (string, error) {
				attempts += 1
				if attempts < 3 {
					return "", retry.ErrRetry
				}
				return "done", nil
			},
		)

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if actual != "done" {
			t.Errorf("value: actual=%s, expect=done", actual)
		}
		if attempts != 3 {
			t.Errorf("attempts: actual=%d, expect=3", attempts)
		}
	})

	t.Run("it stops on non-retry errors", func(t *testing.T) {
		fatal := errors.New("fake fatal")
		attempts := 0

		_, err := retry.Blocking(
			context.Background(), retry.StaticBackoff(time.Millisecond),
			func() (string, error) {
				attempts += 1
				return "", fatal
			},
		)

		if !errors.Is(err, fatal) {
			t.Errorf("err: actual=%v, expect=%v", err, fatal)
		}
		if attempts != 1 {
			t.Errorf("attempts: actual=%d, expect=1", attempts)
		}
	})

	t.Run("it honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := retry.Blocking(
			ctx, retry.StaticBackoff(time.Second),
			func() (string, error) {
				t.Error("f should not be called with a canceled context")
				return "", nil
			},
		)

		if !errors.Is(err, context.Canceled) {
			t.Errorf("err: actual=%v, expect=context.Canceled", err)
		}
	})
}
