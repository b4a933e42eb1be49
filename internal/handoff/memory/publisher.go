// Package memory captures handed-off requests in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlgate/internal/dispatcher"
)

// Publisher stores published requests for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []dispatcher.Ready
	closed   bool
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the request and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, ready dispatcher.Ready) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("memory publisher closed")
	}
	p.messages = append(p.messages, ready)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded requests.
func (p *Publisher) Messages() []dispatcher.Ready {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]dispatcher.Ready, len(p.messages))
	copy(out, p.messages)
	return out
}

// Close rejects further publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
