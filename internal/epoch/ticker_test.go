package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickerAdvancesCount(t *testing.T) {
	tk := NewTicker(2 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tk.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	tk.Stop()

	assert.Greater(t, tk.Count(), uint64(0))
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	tk := NewTicker(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	doneCh := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(doneCh)
	}()

	cancel()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
