package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

type recordingSender struct {
	sent []string
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, to string, body string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, to)
	return nil
}

func TestWhatsAppServiceSendEmitsReceipt(t *testing.T) {
	sender := &recordingSender{}
	service := NewWhatsAppService(sender)

	if err := service.SendMessage(context.Background(), "+55 11 99999-0001", "oi"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	if len(sender.sent) != 1 || sender.sent[0] != "5511999990001" {
		t.Errorf("Expected one send to canonical number, got %v", sender.sent)
	}

	select {
	case receipt := <-service.Receipts():
		if receipt.To != "5511999990001" {
			t.Errorf("Receipt addressed to %q, expected canonical number", receipt.To)
		}
		if receipt.Status != models.StatusTypeSent {
			t.Errorf("Receipt status = %q, expected %q", receipt.Status, models.StatusTypeSent)
		}
	default:
		t.Errorf("Expected a sent receipt on the receipts channel")
	}
}

func TestWhatsAppServiceSendFailureEmitsNoReceipt(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection lost")}
	service := NewWhatsAppService(sender)

	if err := service.SendMessage(context.Background(), "5511999990001", "oi"); err == nil {
		t.Fatalf("Expected send error to propagate")
	}

	select {
	case receipt := <-service.Receipts():
		t.Errorf("Unexpected receipt after failed send: %+v", receipt)
	default:
	}
}

func TestWhatsAppServiceSendAfterStopDoesNotPanic(t *testing.T) {
	sender := &recordingSender{}
	service := NewWhatsAppService(sender)

	if err := service.Stop(); err != nil {
		t.Fatalf("Failed to stop service: %v", err)
	}

	// The receipts channel is closed once stopped; the emit must bail out
	// instead of writing to it.
	if err := service.SendMessage(context.Background(), "5511999990001", "oi"); err != nil {
		t.Errorf("Send after stop should still reach the transport: %v", err)
	}
}
