package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineExpiresAfterEpochBudget(t *testing.T) {
	ctx, cancel := Deadline(context.Background(), 5)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("deadline context expired too early")
	default:
	}

	<-time.After(20 * time.Millisecond)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestDeadlineInheritsParentCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	ctx, cancel := Deadline(parent, 1_000_000)
	defer cancel()

	parentCancel()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
