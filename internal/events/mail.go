package events

import (
	"context"
	"fmt"
	"html"
	"log"

	"github.com/wneessen/go-mail"
)

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailLookup résout l'adresse d'un client.
type EmailLookup interface {
	EmailOf(ctx context.Context, userID string) (string, error)
}

// MailSink prévient le client quand sa commande atteint un état final.
type MailSink struct {
	cfg    MailConfig
	lookup EmailLookup
}

func NewMailSink(cfg MailConfig, lookup EmailLookup) *MailSink {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &MailSink{cfg: cfg, lookup: lookup}
}

func (m *MailSink) Name() string { return "mail" }

func (m *MailSink) Send(ctx context.Context, e Event) error {
	subject, body, ok := customerNotification(e)
	if !ok {
		return nil
	}
	customerID, _ := e.Payload["customer_id"].(string)
	if customerID == "" {
		return nil
	}

	to, err := m.lookup.EmailOf(ctx, customerID)
	if err != nil {
		return fmt.Errorf("email du client %s: %w", customerID, err)
	}
	if to == "" {
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	client, err := mail.NewClient(m.cfg.Host,
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthLogin),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return err
	}

	log.Println("📤 Envoi de l'e-mail à", to)
	return client.DialAndSendWithContext(ctx, msg)
}

// customerNotification : seuls les états finaux et les remboursements sont notifiés.
func customerNotification(e Event) (subject, body string, ok bool) {
	switch e.Type {
	case OrderStatusChanged:
		to, _ := e.Payload["to"].(string)
		reason, _ := e.Payload["reason"].(string)
		switch to {
		case "COMPLETED":
			return "Votre commande est livrée", page("Commande livrée",
				fmt.Sprintf("Votre commande %s a bien été livrée. Merci !", html.EscapeString(e.OrderID))), true
		case "CANCELLED":
			text := fmt.Sprintf("Votre commande %s a été annulée.", html.EscapeString(e.OrderID))
			if reason != "" {
				text += " Motif : " + html.EscapeString(reason)
			}
			return "Votre commande a été annulée", page("Commande annulée", text), true
		case "REFUNDED":
			return "Votre commande a été remboursée", page("Commande remboursée",
				fmt.Sprintf("Le remboursement de la commande %s est terminé.", html.EscapeString(e.OrderID))), true
		}
	case PaymentRefunded:
		amount, _ := e.Payload["amount"].(string)
		return "Remboursement effectué", page("Remboursement",
			fmt.Sprintf("Un remboursement de %s a été émis pour la commande %s.",
				html.EscapeString(amount), html.EscapeString(e.OrderID))), true
	}
	return "", "", false
}

func page(title, text string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="fr">
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: Arial, sans-serif; background-color: #f9f9f9; padding: 20px;">
	<div style="max-width: 600px; margin: auto; background-color: white; padding: 20px; border-radius: 10px;">
		<h2 style="color: #333;">%s</h2>
		<p>%s</p>
	</div>
</body>
</html>`, title, title, text)
}
