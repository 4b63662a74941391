package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterruptOnlyWhileSpeaking(t *testing.T) {
	i := NewInterrupter()
	assert.False(t, i.Interrupt())
	assert.Equal(t, uint64(0), i.Generation())

	i.SetSpeaking(0, true)
	assert.True(t, i.Speaking())
	assert.True(t, i.Interrupt())
	assert.Equal(t, uint64(1), i.Generation())
	assert.False(t, i.Speaking())
	assert.False(t, i.Interrupt())

	// Late updates from the interrupted reply change nothing.
	i.SetSpeaking(0, true)
	assert.False(t, i.Speaking())
}

func TestInterrupterContext(t *testing.T) {
	i := NewInterrupter()
	ctx, cancel := i.Context(context.Background(), 0)
	defer cancel()

	i.SetSpeaking(0, true)
	i.Interrupt()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by interruption")
	}

	stale, cancelStale := i.Context(context.Background(), 0)
	defer cancelStale()
	assert.Error(t, stale.Err())

	fresh, cancelFresh := i.Context(context.Background(), 1)
	defer cancelFresh()
	assert.NoError(t, fresh.Err())
}

func TestNilInterrupterNeverFires(t *testing.T) {
	var i *Interrupter
	i.SetSpeaking(0, true)
	assert.False(t, i.Interrupt())
	ctx, cancel := i.Context(context.Background(), 0)
	assert.NoError(t, ctx.Err())
	cancel()
	assert.Error(t, ctx.Err())
}
