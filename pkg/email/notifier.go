package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"
)

// Message tags, used by Postmark for per-stream stats.
const (
	TagTrialEnding   = "trial-ending"
	TagReferralBonus = "referral-bonus"
)

// Notifier renders and sends billing notifications.
type Notifier struct {
	sender  EmailSender
	product string
	appURL  string
}

// NewNotifier returns a Notifier sending through sender.
func NewNotifier(sender EmailSender, cfg Config) *Notifier {
	product := cfg.ProductName
	if product == "" {
		product = "ReceiptKit"
	}
	return &Notifier{sender: sender, product: product, appURL: cfg.AppURL}
}

var (
	trialEndingTmpl = template.Must(template.New("trial").Parse(
		`<p>Hi,</p>
<p>Your {{.Product}} trial ends on <strong>{{.Date}}</strong>.</p>
<p>Pick a plan to keep unlimited receipt uploads and report exports: <a href="{{.URL}}/billing">{{.URL}}/billing</a></p>`))

	referralBonusTmpl = template.Must(template.New("referral").Parse(
		`<p>Hi,</p>
<p>{{.Referrals}} people joined {{.Product}} with your referral code. Thank you!</p>
<p>Your subscription has been extended until <strong>{{.Date}}</strong> at no charge.</p>`))
)

// TrialEnding tells the user their trial is about to lapse.
func (n *Notifier) TrialEnding(ctx context.Context, to string, trialEnd time.Time) error {
	body, err := render(trialEndingTmpl, map[string]any{
		"Product": n.product,
		"Date":    trialEnd.UTC().Format("January 2, 2006"),
		"URL":     n.appURL,
	})
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   to,
		Subject:  fmt.Sprintf("Your %s trial is ending soon", n.product),
		BodyHTML: body,
		Tag:      TagTrialEnding,
	})
}

// ReferralBonus tells a referrer their period was extended.
func (n *Notifier) ReferralBonus(ctx context.Context, to string, referrals int, periodEnd time.Time) error {
	body, err := render(referralBonusTmpl, map[string]any{
		"Product":   n.product,
		"Referrals": referrals,
		"Date":      periodEnd.UTC().Format("January 2, 2006"),
	})
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   to,
		Subject:  "You earned a free month",
		BodyHTML: body,
		Tag:      TagReferralBonus,
	})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %s: %w", ErrFailedToSendEmail, t.Name(), err)
	}
	return buf.String(), nil
}
