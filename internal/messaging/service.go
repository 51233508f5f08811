// Package messaging abstracts the WhatsApp delivery channels behind a single
// Service interface so the lifecycle engine never knows whether a message
// travels over a live Whatsmeow session or the Twilio REST API.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

const (
	// DefaultChannelBufferSize buffers receipt and response events so a slow
	// consumer does not stall the channel's event loop.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits before dropping.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop has been called.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything that is not a digit from a recipient.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message delivery channel. It sends outbound messages
// and surfaces inbound messages and delivery receipts as channels.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns its canonical form. Each channel has its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing such as event polling.
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error

	// Receipts returns a channel of delivery receipt events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}

// canonicalizePhone reduces a recipient to bare digits and validates length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
