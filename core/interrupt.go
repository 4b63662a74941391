package core

import (
	"context"
	"sync"
)

// Interrupter lets the user cut off the bot mid-reply. The output transport
// marks when the bot is audible, the user aggregator fires it, and the
// reply stages bind their work to the generation they started under.
//
// A nil *Interrupter never fires.
type Interrupter struct {
	mu       sync.Mutex
	gen      uint64
	fired    chan struct{}
	speaking bool
}

func NewInterrupter() *Interrupter {
	return &Interrupter{fired: make(chan struct{})}
}

// Generation counts interruptions so far.
func (i *Interrupter) Generation() uint64 {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gen
}

// SetSpeaking records whether reply audio of generation gen is playing.
// Updates from an interrupted generation are ignored.
func (i *Interrupter) SetSpeaking(gen uint64, speaking bool) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if gen == i.gen {
		i.speaking = speaking
	}
}

func (i *Interrupter) Speaking() bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.speaking
}

// Interrupt ends the current generation if the bot is speaking and reports
// whether it did.
func (i *Interrupter) Interrupt() bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.speaking {
		return false
	}
	i.gen++
	i.speaking = false
	close(i.fired)
	i.fired = make(chan struct{})
	return true
}

// Context derives a context that is cancelled once generation gen is
// interrupted, immediately if it already was.
func (i *Interrupter) Context(parent context.Context, gen uint64) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if i == nil {
		return ctx, cancel
	}
	i.mu.Lock()
	current, fired := i.gen, i.fired
	i.mu.Unlock()
	if current != gen {
		cancel()
		return ctx, cancel
	}
	go func() {
		select {
		case <-fired:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
