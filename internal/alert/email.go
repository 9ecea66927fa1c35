// Package alert notifies maintainers when the engine records a failure
// shape it has never seen before. Recurring failures merge into existing
// fingerprints and stay quiet; only genuinely new ones page.
package alert

import (
	"fmt"
	"log"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/regentci/regent/internal/fingerprint"
)

type EmailNotifier struct {
	client      *sendgrid.Client
	fromName    string
	fromAddress string
	toAddress   string
}

func NewEmailNotifier(apiKey, fromName, fromAddress, toAddress string) *EmailNotifier {
	return &EmailNotifier{
		client:      sendgrid.NewSendClient(apiKey),
		fromName:    fromName,
		fromAddress: fromAddress,
		toAddress:   toAddress,
	}
}

// NewFingerprint sends an email describing the new failure shape. Send
// failures are logged, never propagated; alerting must not disturb the
// test run.
func (n *EmailNotifier) NewFingerprint(fp *fingerprint.Fingerprint) {
	from := mail.NewEmail(n.fromName, n.fromAddress)
	to := mail.NewEmail("", n.toAddress)
	subject := buildSubject(fp)
	body := buildBody(fp)
	email := mail.NewSingleEmail(from, subject, to, body, body)

	response, err := n.client.Send(email)
	if err != nil {
		log.Printf("failed to send fingerprint alert: %v", err)
		return
	}
	if response.StatusCode >= 400 {
		log.Printf("fingerprint alert rejected: status %d", response.StatusCode)
		return
	}

	log.Printf("Fingerprint alert sent for %s (status: %d)", fp.Hash, response.StatusCode)
}

func buildSubject(fp *fingerprint.Fingerprint) string {
	return fmt.Sprintf("[regent] new failure fingerprint %s (%s)", fp.Hash, fp.Components.FailureType)
}

func buildBody(fp *fingerprint.Fingerprint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "A new failure fingerprint was recorded.\n\n")
	fmt.Fprintf(&b, "Hash:           %s\n", fp.Hash)
	fmt.Fprintf(&b, "Failure type:   %s\n", fp.Components.FailureType)
	fmt.Fprintf(&b, "Terminal state: %s\n", fp.Components.TerminalState)
	fmt.Fprintf(&b, "Turn bucket:    %d\n", fp.Components.TurnCount)
	fmt.Fprintf(&b, "First seen:     %s\n", fp.FirstSeen.Format("2006-01-02 15:04:05"))

	if fp.Components.ErrorSignature != "" {
		fmt.Fprintf(&b, "Error:          %s\n", fp.Components.ErrorSignature)
	}
	if len(fp.Components.MissingGoalTypes) > 0 {
		fmt.Fprintf(&b, "Missing goals:  %s\n", strings.Join(fp.Components.MissingGoalTypes, ", "))
	}
	if len(fp.TestIDs) > 0 {
		fmt.Fprintf(&b, "Tests:          %s\n", strings.Join(fp.TestIDs, ", "))
	}

	return b.String()
}
