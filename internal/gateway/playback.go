package gateway

import (
	"context"
	"encoding/base64"
	"sync"
	"time"
)

// drainPollInterval is how often Drain re-checks whether playback finished.
const drainPollInterval = 100 * time.Millisecond

// playbackFrame is the downlink audio envelope sent to the device.
type playbackFrame struct {
	Audio string `json:"audio"`
}

// interruptFrame tells the device to stop its local playback immediately.
type interruptFrame struct {
	Interrupt bool `json:"interrupt"`
}

// Playback relays model audio chunks to the device in order. Chunks queue up
// and a single drainer goroutine, started on demand, writes them out one at a
// time. Interrupt discards everything queued and tells the device to cut its
// speaker.
type Playback struct {
	write func(v any) error

	mu         sync.Mutex
	queue      [][]byte
	draining   bool
	generation int
}

// NewPlayback returns a Playback that emits frames through write. The write
// function must be safe for concurrent use.
func NewPlayback(write func(v any) error) *Playback {
	return &Playback{write: write}
}

// Enqueue appends a chunk and starts the drainer if none is running.
func (p *Playback) Enqueue(chunk []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, chunk)
	if !p.draining {
		p.draining = true
		go p.drainLoop(p.generation)
	}
	p.mu.Unlock()
}

func (p *Playback) drainLoop(gen int) {
	for {
		p.mu.Lock()
		if p.generation != gen {
			// Interrupted. A newer drainer owns the state now.
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]

		// The write happens under the lock so an interrupt cannot land
		// between dequeue and send; Interrupt blocks until the in-flight
		// frame is on the wire, then its cut frame follows it.
		frame := playbackFrame{Audio: base64.StdEncoding.EncodeToString(chunk)}
		if err := p.write(frame); err != nil {
			p.queue = nil
			p.draining = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// Interrupt discards all queued audio, stops the running drainer, and sends
// the device an interrupt frame.
func (p *Playback) Interrupt() error {
	p.mu.Lock()
	p.queue = nil
	p.generation++
	p.draining = false
	p.mu.Unlock()
	return p.write(interruptFrame{Interrupt: true})
}

// Busy reports whether audio is still queued or being written.
func (p *Playback) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining || len(p.queue) > 0
}

// Drain blocks until playback goes idle or ctx expires. It returns ctx's
// error on timeout so callers can decide to close anyway.
func (p *Playback) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for p.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
