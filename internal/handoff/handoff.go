// Package handoff passes ready requests to whatever performs the send when a
// worker does not send them itself.
package handoff

import (
	"context"

	"github.com/JakeFAU/crawlgate/internal/dispatcher"
)

// Publisher delivers one ready request and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, ready dispatcher.Ready) (string, error)
	Close() error
}
