package fulfillment_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
	"github.com/nexfid/fulfillment/storage/memory"
)

const (
	testIntentID  = "pi_test_123"
	testReference = "NF-AB12CD34"
	testEmail     = "kunde@example.ch"
)

// fakeDocStore implements fulfillment.DocumentStore for tests.
type fakeDocStore struct {
	mu        sync.Mutex
	uploads   [][]byte
	owners    []string
	uploadErr error
	signErr   error
	signedTTL time.Duration
}

func (f *fakeDocStore) Upload(_ context.Context, data []byte, ownerReference, category string) (fulfillment.StoredDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return fulfillment.StoredDocument{}, f.uploadErr
	}
	f.uploads = append(f.uploads, data)
	f.owners = append(f.owners, ownerReference)
	return fulfillment.StoredDocument{
		StorageKey:       fmt.Sprintf("requests/%s/%s/doc-%d", ownerReference, category, len(f.uploads)),
		OriginalFilename: category + ".txt",
		Category:         category,
		ByteSize:         int64(len(data)),
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (f *fakeDocStore) SignedURL(_ context.Context, storageKey string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	f.signedTTL = ttl
	return "https://storage.example/" + storageKey + "?signed=1", nil
}

// fakeNotifier records sends and can fail selected kinds.
type fakeNotifier struct {
	mu       sync.Mutex
	sends    []fulfillment.NotificationKind
	payloads map[fulfillment.NotificationKind]fulfillment.NotificationPayload
	failing  map[fulfillment.NotificationKind]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		payloads: make(map[fulfillment.NotificationKind]fulfillment.NotificationPayload),
		failing:  make(map[fulfillment.NotificationKind]error),
	}
}

func (f *fakeNotifier) Send(_ context.Context, kind fulfillment.NotificationKind, payload fulfillment.NotificationPayload) fulfillment.NotificationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, kind)
	f.payloads[kind] = payload
	if err := f.failing[kind]; err != nil {
		return fulfillment.NotificationResult{Kind: kind, Err: err}
	}
	return fulfillment.NotificationResult{Kind: kind, OK: true}
}

func (f *fakeNotifier) sent(kind fulfillment.NotificationKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.sends {
		if k == kind {
			return true
		}
	}
	return false
}

func seedTaxRequest(t *testing.T, store *memory.Store) *fulfillment.ClientRequest {
	t.Helper()
	req := &fulfillment.ClientRequest{
		ID:        "req-1",
		Reference: testReference,
		Type:      fulfillment.RequestTax,
		Customer: fulfillment.Customer{
			Name:  "Anna Muster",
			Email: testEmail,
		},
		ServiceData: json.RawMessage(`{"canton":"ZH","year":2025}`),
		Status:      fulfillment.StatusPaymentPending,
		StatusHistory: []fulfillment.StatusChange{
			{Status: fulfillment.StatusReceived, OccurredAt: time.Now().Add(-time.Hour)},
			{Status: fulfillment.StatusPaymentPending, OccurredAt: time.Now().Add(-30 * time.Minute)},
		},
	}
	if err := store.PutRequest(req, testIntentID); err != nil {
		t.Fatalf("failed to seed request: %v", err)
	}
	return req
}

func succeededEvent() *fulfillment.PaymentEvent {
	return &fulfillment.PaymentEvent{
		Kind:             fulfillment.EventIntentSucceeded,
		RawType:          "payment_intent.succeeded",
		PaymentIntentID:  testIntentID,
		AmountMinorUnits: 15000,
		Currency:         "chf",
		ReceiptEmail:     testEmail,
		RequestReference: testReference,
		Service:          "tax",
		Canton:           "ZH",
		CustomerName:     "Anna Muster",
		Metadata:         map[string]string{"service": "tax", "request_reference": testReference},
	}
}

func newTestController(t *testing.T, store fulfillment.Store, docs fulfillment.DocumentStore, notifier fulfillment.Notifier) *fulfillment.Controller {
	t.Helper()
	controller, err := fulfillment.NewController(fulfillment.ControllerConfig{
		Store:     store,
		Documents: docs,
		Notifier:  notifier,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	return controller
}

func TestHandleEvent_IntentSucceeded_MatchedRequest(t *testing.T) {
	store := memory.New()
	seedTaxRequest(t, store)
	docs := &fakeDocStore{}
	notifier := newFakeNotifier()
	controller := newTestController(t, store, docs, notifier)

	results := controller.HandleEvent(context.Background(), succeededEvent())
	for _, res := range results {
		if !res.OK() {
			t.Errorf("step %s failed: %v", res.Name, res.Err)
		}
	}

	payment, err := store.GetPaymentByIntent(context.Background(), testIntentID)
	if err != nil {
		t.Fatalf("payment not recorded: %v", err)
	}
	if payment.Amount != 150.00 {
		t.Errorf("expected amount 150.00, got %v", payment.Amount)
	}
	if payment.Status != fulfillment.PaymentSucceeded {
		t.Errorf("expected status succeeded, got %s", payment.Status)
	}
	if !strings.HasPrefix(payment.Reference, "PAY-") {
		t.Errorf("expected a PAY- payment reference, got %q", payment.Reference)
	}

	req, err := store.FindByReference(context.Background(), testReference)
	if err != nil {
		t.Fatalf("request lookup failed: %v", err)
	}
	if req.PaidAt == nil {
		t.Error("expected PaidAt to be set")
	}
	if req.Status != fulfillment.StatusInReview {
		t.Errorf("expected status in_review, got %s", req.Status)
	}
	last := req.StatusHistory[len(req.StatusHistory)-1]
	if last.Note != "payment confirmed" {
		t.Errorf("expected payment confirmed history note, got %q", last.Note)
	}

	if len(req.Documents) != 1 {
		t.Fatalf("expected 1 attached document, got %d", len(req.Documents))
	}
	if req.Documents[0].Category != fulfillment.DocumentCategorySummary {
		t.Errorf("expected summary category, got %s", req.Documents[0].Category)
	}

	for _, kind := range []fulfillment.NotificationKind{
		fulfillment.NotifyCustomerConfirmation,
		fulfillment.NotifyOperatorAlert,
		fulfillment.NotifyOperatorSummary,
	} {
		if !notifier.sent(kind) {
			t.Errorf("expected %s notification", kind)
		}
	}

	if !notifier.payloads[fulfillment.NotifyOperatorSummary].RequestMatched {
		t.Error("expected RequestMatched in summary payload")
	}
	if notifier.payloads[fulfillment.NotifyOperatorSummary].SummaryURL == "" {
		t.Error("expected signed summary URL in payload")
	}
}

func TestHandleEvent_IntentSucceeded_Redelivery(t *testing.T) {
	store := memory.New()
	seedTaxRequest(t, store)
	notifier := newFakeNotifier()
	controller := newTestController(t, store, &fakeDocStore{}, notifier)

	first := controller.HandleEvent(context.Background(), succeededEvent())
	firstPayment, err := store.GetPaymentByIntent(context.Background(), testIntentID)
	if err != nil {
		t.Fatalf("payment not recorded: %v", err)
	}

	second := controller.HandleEvent(context.Background(), succeededEvent())
	for _, res := range append(first, second...) {
		if !res.OK() {
			t.Errorf("step %s failed: %v", res.Name, res.Err)
		}
	}

	secondPayment, err := store.GetPaymentByIntent(context.Background(), testIntentID)
	if err != nil {
		t.Fatalf("payment lookup failed: %v", err)
	}
	if firstPayment.ID != secondPayment.ID {
		t.Errorf("redelivery created a second payment record: %s vs %s", firstPayment.ID, secondPayment.ID)
	}

	req, _ := store.FindByReference(context.Background(), testReference)
	confirmations := 0
	for _, change := range req.StatusHistory {
		if change.Note == "payment confirmed" {
			confirmations++
		}
	}
	if confirmations != 1 {
		t.Errorf("expected exactly one payment-confirmed history entry, got %d", confirmations)
	}
}

func TestHandleEvent_IntentSucceeded_NoMatchingRequest(t *testing.T) {
	store := memory.New()
	docs := &fakeDocStore{}
	notifier := newFakeNotifier()
	controller := newTestController(t, store, docs, notifier)

	results := controller.HandleEvent(context.Background(), succeededEvent())
	for _, res := range results {
		if !res.OK() {
			t.Errorf("step %s failed: %v", res.Name, res.Err)
		}
	}

	if _, err := store.GetPaymentByIntent(context.Background(), testIntentID); err != nil {
		t.Fatalf("payment must still be recorded: %v", err)
	}

	if len(docs.uploads) != 1 {
		t.Fatalf("expected reduced-fidelity summary upload, got %d uploads", len(docs.uploads))
	}
	if !strings.Contains(string(docs.uploads[0]), "NO MATCHING REQUEST") {
		t.Error("expected reduced-fidelity summary content")
	}
	if docs.owners[0] != testReference {
		t.Errorf("expected upload owned by metadata reference, got %s", docs.owners[0])
	}

	if !notifier.sent(fulfillment.NotifyCustomerConfirmation) {
		t.Error("customer confirmation must still be sent")
	}
	if !notifier.sent(fulfillment.NotifyOperatorAlert) {
		t.Error("operator alert must still be sent")
	}
	if notifier.payloads[fulfillment.NotifyOperatorAlert].RequestMatched {
		t.Error("expected RequestMatched=false for unmatched payment")
	}
}

func TestHandleEvent_UploadFailureDoesNotBlockNotifications(t *testing.T) {
	store := memory.New()
	seedTaxRequest(t, store)
	docs := &fakeDocStore{uploadErr: errors.New("bucket gone")}
	notifier := newFakeNotifier()
	controller := newTestController(t, store, docs, notifier)

	results := controller.HandleEvent(context.Background(), succeededEvent())

	uploadFailed := false
	for _, res := range results {
		if res.Name == "summary_document" && !res.OK() {
			uploadFailed = true
		}
	}
	if !uploadFailed {
		t.Fatal("expected summary_document step to fail")
	}

	if !notifier.sent(fulfillment.NotifyCustomerConfirmation) {
		t.Error("customer confirmation must be sent despite upload failure")
	}
	if notifier.sent(fulfillment.NotifyOperatorSummary) {
		t.Error("summary notice should not be sent without a document")
	}

	req, _ := store.FindByReference(context.Background(), testReference)
	if len(req.Documents) != 0 {
		t.Error("no document should be attached on upload failure")
	}
	if req.PaidAt == nil {
		t.Error("request must still be marked paid")
	}
}

func TestHandleEvent_IntentSucceeded_NoEmailSkipsNotifications(t *testing.T) {
	store := memory.New()
	seedTaxRequest(t, store)
	docs := &fakeDocStore{}
	notifier := newFakeNotifier()
	controller := newTestController(t, store, docs, notifier)

	event := succeededEvent()
	event.ReceiptEmail = ""
	event.CustomerEmail = ""

	controller.HandleEvent(context.Background(), event)

	if len(notifier.sends) != 0 {
		t.Errorf("expected no notifications, got %v", notifier.sends)
	}
	if len(docs.uploads) != 0 {
		t.Error("expected no document uploads")
	}

	// Payment and lifecycle transition still happen.
	if _, err := store.GetPaymentByIntent(context.Background(), testIntentID); err != nil {
		t.Fatalf("payment must still be recorded: %v", err)
	}
	req, _ := store.FindByReference(context.Background(), testReference)
	if req.PaidAt == nil {
		t.Error("request must still be marked paid")
	}
}

func TestHandleEvent_IntentFailed_RecordsWithoutNotifying(t *testing.T) {
	store := memory.New()
	notifier := newFakeNotifier()
	controller := newTestController(t, store, &fakeDocStore{}, notifier)

	event := succeededEvent()
	event.Kind = fulfillment.EventIntentFailed
	event.RawType = "payment_intent.payment_failed"

	results := controller.HandleEvent(context.Background(), event)
	for _, res := range results {
		if !res.OK() {
			t.Errorf("step %s failed: %v", res.Name, res.Err)
		}
	}

	payment, err := store.GetPaymentByIntent(context.Background(), testIntentID)
	if err != nil {
		t.Fatalf("failed payment must be recorded: %v", err)
	}
	if payment.Status != fulfillment.PaymentFailed {
		t.Errorf("expected status failed, got %s", payment.Status)
	}
	if len(notifier.sends) != 0 {
		t.Errorf("failed payments must not notify, got %v", notifier.sends)
	}
}

func TestHandleEvent_ChargeRefunded(t *testing.T) {
	store := memory.New()
	controller := newTestController(t, store, &fakeDocStore{}, newFakeNotifier())

	controller.HandleEvent(context.Background(), succeededEvent())

	refund := &fulfillment.PaymentEvent{
		Kind:            fulfillment.EventChargeRefunded,
		RawType:         "charge.refunded",
		PaymentIntentID: testIntentID,
	}
	results := controller.HandleEvent(context.Background(), refund)
	for _, res := range results {
		if !res.OK() {
			t.Errorf("step %s failed: %v", res.Name, res.Err)
		}
	}

	payment, _ := store.GetPaymentByIntent(context.Background(), testIntentID)
	if payment.Status != fulfillment.PaymentRefunded {
		t.Errorf("expected status refunded, got %s", payment.Status)
	}
}

func TestHandleEvent_ChargeRefunded_UnknownIntent(t *testing.T) {
	store := memory.New()
	controller := newTestController(t, store, &fakeDocStore{}, newFakeNotifier())

	refund := &fulfillment.PaymentEvent{
		Kind:            fulfillment.EventChargeRefunded,
		RawType:         "charge.refunded",
		PaymentIntentID: "pi_never_seen",
	}
	results := controller.HandleEvent(context.Background(), refund)
	for _, res := range results {
		if !res.OK() {
			t.Errorf("unknown refund must be absorbed, step %s failed: %v", res.Name, res.Err)
		}
	}

	if _, err := store.GetPaymentByIntent(context.Background(), "pi_never_seen"); !errors.Is(err, fulfillment.ErrPaymentNotFound) {
		t.Error("unknown refund must not create a payment")
	}
}

func TestHandleEvent_NotificationFailureIsIsolated(t *testing.T) {
	store := memory.New()
	seedTaxRequest(t, store)
	notifier := newFakeNotifier()
	notifier.failing[fulfillment.NotifyCustomerConfirmation] = errors.New("mailbox full")
	controller := newTestController(t, store, &fakeDocStore{}, notifier)

	results := controller.HandleEvent(context.Background(), succeededEvent())

	var customerFailed, operatorOK bool
	for _, res := range results {
		switch res.Name {
		case "notify_customer_confirmation":
			customerFailed = !res.OK()
		case "notify_operator_alert":
			operatorOK = res.OK()
		}
	}
	if !customerFailed {
		t.Error("expected customer notification step to fail")
	}
	if !operatorOK {
		t.Error("operator alert must succeed despite customer failure")
	}
}

func TestHandleEvent_NonTaxServiceSkipsSummary(t *testing.T) {
	store := memory.New()
	req := seedTaxRequest(t, store)
	req.Type = fulfillment.RequestAccounting
	if err := store.PutRequest(req, testIntentID); err != nil {
		t.Fatalf("failed to reseed request: %v", err)
	}

	docs := &fakeDocStore{}
	notifier := newFakeNotifier()
	controller := newTestController(t, store, docs, notifier)

	event := succeededEvent()
	event.Service = "accounting"

	controller.HandleEvent(context.Background(), event)

	if len(docs.uploads) != 0 {
		t.Error("summary flow is tax-only")
	}
	if !notifier.sent(fulfillment.NotifyCustomerConfirmation) {
		t.Error("customer confirmation expected for accounting too")
	}
}

func TestHandleEvent_ObservabilityOnlyKinds(t *testing.T) {
	store := memory.New()
	controller := newTestController(t, store, &fakeDocStore{}, newFakeNotifier())

	created := &fulfillment.PaymentEvent{
		Kind:            fulfillment.EventIntentCreated,
		RawType:         "payment_intent.created",
		PaymentIntentID: testIntentID,
	}
	if results := controller.HandleEvent(context.Background(), created); len(results) != 0 {
		t.Errorf("intent_created must not mutate state, got %d steps", len(results))
	}

	unhandled := &fulfillment.PaymentEvent{
		Kind:    fulfillment.EventUnhandled,
		RawType: "customer.subscription.created",
	}
	if results := controller.HandleEvent(context.Background(), unhandled); len(results) != 0 {
		t.Errorf("unhandled kinds must not mutate state, got %d steps", len(results))
	}
}
