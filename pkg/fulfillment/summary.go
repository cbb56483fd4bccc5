package fulfillment

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DocumentCategorySummary is the category for derived payment summaries.
const DocumentCategorySummary = "summary"

// RenderRequestSummary renders a full-fidelity operator report of a client
// request and the payment that confirmed it. The output is a plain-text
// document; layout is deliberately simple, the content is what matters.
func RenderRequestSummary(req *ClientRequest, payment *Payment, generatedAt time.Time) []byte {
	var sb strings.Builder

	writeHeader(&sb, "PAYMENT SUMMARY", generatedAt)

	sb.WriteString("Request\n")
	sb.WriteString("-------\n")
	writeLine(&sb, "Reference", req.Reference)
	writeLine(&sb, "Service", string(req.Type))
	writeLine(&sb, "Status", string(req.Status))
	if req.PaidAt != nil {
		writeLine(&sb, "Paid at", req.PaidAt.UTC().Format(time.RFC3339))
	}
	sb.WriteString("\n")

	sb.WriteString("Customer\n")
	sb.WriteString("--------\n")
	writeLine(&sb, "Name", req.Customer.Name)
	writeLine(&sb, "Email", req.Customer.Email)
	writeLine(&sb, "Phone", req.Customer.Phone)
	writeLine(&sb, "Address", req.Customer.Address)
	sb.WriteString("\n")

	writePayment(&sb, payment)

	if len(req.ServiceData) > 0 {
		sb.WriteString("Service details\n")
		sb.WriteString("---------------\n")
		writeServiceData(&sb, req.ServiceData)
		sb.WriteString("\n")
	}

	if len(req.StatusHistory) > 0 {
		sb.WriteString("History\n")
		sb.WriteString("-------\n")
		for _, change := range req.StatusHistory {
			fmt.Fprintf(&sb, "  %s  %s", change.OccurredAt.UTC().Format(time.RFC3339), change.Status)
			if change.Note != "" {
				fmt.Fprintf(&sb, "  (%s)", change.Note)
			}
			sb.WriteString("\n")
		}
	}

	return []byte(sb.String())
}

// RenderEventSummary renders a reduced-fidelity report from processor event
// metadata alone. Used when no client request matches the payment, so a
// confirmed charge always leaves an operator-visible record; it never fails.
func RenderEventSummary(event *PaymentEvent, generatedAt time.Time) []byte {
	var sb strings.Builder

	writeHeader(&sb, "PAYMENT SUMMARY (NO MATCHING REQUEST)", generatedAt)

	sb.WriteString("No intake record was found for this payment. The details\n")
	sb.WriteString("below come from the payment processor event only.\n\n")

	writeLine(&sb, "Request reference", event.RequestReference)
	writeLine(&sb, "Service", event.Service)
	writeLine(&sb, "Canton", event.Canton)
	writeLine(&sb, "Customer", event.CustomerName)
	writeLine(&sb, "Email", event.RecipientEmail())
	writeLine(&sb, "Payment intent", event.PaymentIntentID)
	writeLine(&sb, "Amount", formatAmount(event.Amount(), event.Currency))

	extras := make([]string, 0, len(event.Metadata))
	for key := range event.Metadata {
		extras = append(extras, key)
	}
	sort.Strings(extras)
	if len(extras) > 0 {
		sb.WriteString("\nAdditional metadata\n")
		sb.WriteString("-------------------\n")
		for _, key := range extras {
			writeLine(&sb, key, event.Metadata[key])
		}
	}

	return []byte(sb.String())
}

func writeHeader(sb *strings.Builder, title string, generatedAt time.Time) {
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("=", len(title)) + "\n")
	fmt.Fprintf(sb, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))
}

func writePayment(sb *strings.Builder, payment *Payment) {
	if payment == nil {
		return
	}
	sb.WriteString("Payment\n")
	sb.WriteString("-------\n")
	writeLine(sb, "Intent", payment.PaymentIntentID)
	writeLine(sb, "Amount", formatAmount(payment.Amount, payment.Currency))
	writeLine(sb, "Status", string(payment.Status))
	sb.WriteString("\n")
}

// writeServiceData pretty-prints the variant intake payload, falling back to
// the raw JSON when it does not decode.
func writeServiceData(sb *strings.Builder, data json.RawMessage) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		sb.WriteString("  " + string(data) + "\n")
		return
	}
	keys := make([]string, 0, len(decoded))
	for key := range decoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeLine(sb, key, fmt.Sprintf("%v", decoded[key]))
	}
}

func writeLine(sb *strings.Builder, label, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(sb, "  %-18s %s\n", label+":", value)
}

func formatAmount(amount float64, currency string) string {
	if amount == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}
