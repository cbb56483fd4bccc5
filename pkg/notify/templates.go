package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Templates are pure functions of their payload. Optional fields render a
// graceful default instead of an empty or broken section.

type renderedMessage struct {
	Subject string
	Body    string
}

func customerConfirmation(p fulfillment.NotificationPayload) renderedMessage {
	name := p.CustomerName
	if name == "" {
		name = "Kundin/Kunde"
	}

	var sb strings.Builder
	sb.WriteString("<html><body>")
	fmt.Fprintf(&sb, "<p>Guten Tag %s,</p>", html.EscapeString(name))
	fmt.Fprintf(&sb, "<p>Vielen Dank! Wir haben Ihre Zahlung über <strong>%s</strong> erhalten.</p>",
		html.EscapeString(amountLine(p)))
	if p.Reference != "" {
		fmt.Fprintf(&sb, "<p>Ihre Referenz: <strong>%s</strong></p>", html.EscapeString(p.Reference))
	}
	fmt.Fprintf(&sb, "<p>Ihr Auftrag (%s) ist nun in Bearbeitung. Wir melden uns, sobald wir etwas von Ihnen benötigen.</p>",
		html.EscapeString(serviceLabel(p.Service)))
	sb.WriteString("<p>Freundliche Grüsse<br>Ihr NexFid Team</p>")
	sb.WriteString("</body></html>")

	subject := "Zahlungsbestätigung"
	if p.Reference != "" {
		subject = fmt.Sprintf("Zahlungsbestätigung – %s", p.Reference)
	}
	return renderedMessage{Subject: subject, Body: sb.String()}
}

func operatorAlert(p fulfillment.NotificationPayload) renderedMessage {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	sb.WriteString("<p>Neue bezahlte Anfrage:</p><ul>")
	fmt.Fprintf(&sb, "<li>Referenz: %s</li>", html.EscapeString(orDash(p.Reference)))
	fmt.Fprintf(&sb, "<li>Service: %s</li>", html.EscapeString(serviceLabel(p.Service)))
	fmt.Fprintf(&sb, "<li>Kanton: %s</li>", html.EscapeString(orDash(p.Canton)))
	fmt.Fprintf(&sb, "<li>Kunde: %s (%s)</li>",
		html.EscapeString(orDash(p.CustomerName)), html.EscapeString(orDash(p.CustomerEmail)))
	fmt.Fprintf(&sb, "<li>Betrag: %s</li>", html.EscapeString(amountLine(p)))
	fmt.Fprintf(&sb, "<li>Payment Intent: %s</li>", html.EscapeString(orDash(p.PaymentIntentID)))
	sb.WriteString("</ul>")
	if !p.RequestMatched {
		sb.WriteString("<p><strong>Achtung:</strong> Zu dieser Zahlung wurde keine Anfrage gefunden. Bitte manuell abklären.</p>")
	}
	sb.WriteString("</body></html>")

	subject := fmt.Sprintf("Neue Zahlung – %s", orDash(p.Reference))
	return renderedMessage{Subject: subject, Body: sb.String()}
}

func operatorSummary(p fulfillment.NotificationPayload) renderedMessage {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	fmt.Fprintf(&sb, "<p>Die Zahlungszusammenfassung für %s wurde erstellt.</p>",
		html.EscapeString(orDash(p.Reference)))
	if p.DocumentName != "" {
		fmt.Fprintf(&sb, "<p>Dokument: %s</p>", html.EscapeString(p.DocumentName))
	}
	if p.SummaryURL != "" {
		fmt.Fprintf(&sb, `<p><a href="%s">Zusammenfassung öffnen</a> (Link läuft nach kurzer Zeit ab)</p>`,
			p.SummaryURL)
	} else {
		sb.WriteString("<p>Kein Abruflink verfügbar – das Dokument ist im privaten Speicher abgelegt und kann über das Backoffice abgerufen werden.</p>")
	}
	sb.WriteString("</body></html>")

	subject := fmt.Sprintf("Zusammenfassung erstellt – %s", orDash(p.Reference))
	return renderedMessage{Subject: subject, Body: sb.String()}
}

func amountLine(p fulfillment.NotificationPayload) string {
	if p.Amount == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f %s", p.Amount, strings.ToUpper(orDefault(p.Currency, "CHF")))
}

func serviceLabel(service string) string {
	switch service {
	case "tax":
		return "Steuererklärung"
	case "accounting":
		return "Buchhaltung"
	case "property":
		return "Immobilienverwaltung"
	case "":
		return "Dienstleistung"
	default:
		return service
	}
}

func orDash(value string) string {
	return orDefault(value, "-")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
