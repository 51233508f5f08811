package messaging

import (
	"context"
	"sync"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// MockService is an in-memory Service for tests. Sends are recorded and
// inbound messages can be injected through InjectResponse.
type MockService struct {
	mu        sync.Mutex
	sent      []MockSentMessage
	receipts  chan models.Receipt
	responses chan models.Response
	SendErr   error // returned by SendMessage when set
}

// MockSentMessage is a recorded outbound message.
type MockSentMessage struct {
	To   string
	Body string
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (s *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (s *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, MockSentMessage{To: to, Body: body})
	s.mu.Unlock()
	return nil
}

func (s *MockService) Start(ctx context.Context) error { return nil }

func (s *MockService) Stop() error {
	close(s.receipts)
	close(s.responses)
	return nil
}

func (s *MockService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *MockService) Responses() <-chan models.Response { return s.responses }

// InjectResponse simulates an inbound user message.
func (s *MockService) InjectResponse(r models.Response) {
	s.responses <- r
}

// Sent returns a copy of the recorded outbound messages.
func (s *MockService) Sent() []MockSentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MockSentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
