package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeSender struct {
	sent []sentMail
	err  error
}

func (f *fakeSender) SendEmail(_ context.Context, to, subject, body string) (SendResult, error) {
	if f.err != nil {
		return SendResult{}, f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return SendResult{MessageID: "msg-1", SentAt: time.Now()}, nil
}

func confirmationPayload() fulfillment.NotificationPayload {
	return fulfillment.NotificationPayload{
		Reference:       "NF-AB12CD34",
		CustomerName:    "Anna Muster",
		CustomerEmail:   "anna@example.ch",
		Service:         "tax",
		Canton:          "ZH",
		Amount:          150.00,
		Currency:        "chf",
		PaymentIntentID: "pi_123",
		RequestMatched:  true,
	}
}

func TestSend_CustomerConfirmation(t *testing.T) {
	sender := &fakeSender{}
	notifier, err := New(Config{Sender: sender, OperatorEmail: "office@nexfid.ch"})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	result := notifier.Send(context.Background(), fulfillment.NotifyCustomerConfirmation, confirmationPayload())
	if !result.OK {
		t.Fatalf("expected success, got %v", result.Err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(sender.sent))
	}
	mail := sender.sent[0]
	if mail.to != "anna@example.ch" {
		t.Errorf("expected customer recipient, got %s", mail.to)
	}
	if !strings.Contains(mail.subject, "NF-AB12CD34") {
		t.Errorf("expected reference in subject, got %q", mail.subject)
	}
	if !strings.Contains(mail.body, "Anna Muster") || !strings.Contains(mail.body, "150.00 CHF") {
		t.Errorf("expected personalized body, got %q", mail.body)
	}
}

func TestSend_OperatorKindsGoToOperator(t *testing.T) {
	sender := &fakeSender{}
	notifier, err := New(Config{Sender: sender, OperatorEmail: "office@nexfid.ch"})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	payload := confirmationPayload()
	payload.SummaryURL = "https://storage.example/key?signed=1"
	payload.DocumentName = "summary.txt"

	for _, kind := range []fulfillment.NotificationKind{
		fulfillment.NotifyOperatorAlert,
		fulfillment.NotifyOperatorSummary,
	} {
		if result := notifier.Send(context.Background(), kind, payload); !result.OK {
			t.Fatalf("%s failed: %v", kind, result.Err)
		}
	}

	for _, mail := range sender.sent {
		if mail.to != "office@nexfid.ch" {
			t.Errorf("operator mail routed to %s", mail.to)
		}
	}
	if !strings.Contains(sender.sent[1].body, "https://storage.example/key?signed=1") {
		t.Error("expected signed URL in summary notice")
	}
}

func TestSend_SenderFailureIsCaptured(t *testing.T) {
	boom := errors.New("smtp down")
	notifier, err := New(Config{Sender: &fakeSender{err: boom}, OperatorEmail: "office@nexfid.ch"})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	result := notifier.Send(context.Background(), fulfillment.NotifyCustomerConfirmation, confirmationPayload())
	if result.OK {
		t.Fatal("expected failure result")
	}
	if !errors.Is(result.Err, boom) {
		t.Errorf("expected transport error carried in result, got %v", result.Err)
	}
}

func TestSend_MissingRecipientFailsCleanly(t *testing.T) {
	sender := &fakeSender{}

	// No operator address configured: operator kinds fail, customer works.
	notifier, err := New(Config{Sender: sender})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	if result := notifier.Send(context.Background(), fulfillment.NotifyOperatorAlert, confirmationPayload()); result.OK {
		t.Error("operator alert without operator address must fail")
	}

	payload := confirmationPayload()
	payload.CustomerEmail = ""
	if result := notifier.Send(context.Background(), fulfillment.NotifyCustomerConfirmation, payload); result.OK {
		t.Error("customer confirmation without address must fail")
	}

	if len(sender.sent) != 0 {
		t.Errorf("no mail should have been sent, got %d", len(sender.sent))
	}
}

func TestSend_UnknownKind(t *testing.T) {
	notifier, err := New(Config{Sender: &fakeSender{}})
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	result := notifier.Send(context.Background(), fulfillment.NotificationKind("carrier_pigeon"), confirmationPayload())
	if result.OK {
		t.Fatal("unknown kind must fail")
	}
}

func TestNewSMTPSender_Validation(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{}); err == nil {
		t.Error("expected error for missing host and port")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.ch", Port: "587"}); err == nil {
		t.Error("expected error for missing sender address")
	}

	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.ch", Port: "587", Username: "mailer@nexfid.ch"})
	if err != nil {
		t.Fatalf("expected username to serve as sender address: %v", err)
	}
	if sender == nil {
		t.Fatal("expected sender")
	}
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.ch", Port: "587", From: "mailer@nexfid.ch"})
	if err != nil {
		t.Fatalf("failed to create sender: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sender.SendEmail(ctx, "anna@example.ch", "s", "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled before dialing, got %v", err)
	}
}
