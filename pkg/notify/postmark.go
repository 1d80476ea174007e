package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/mrz1836/postmark"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// PostmarkConfig configures the Postmark notifier.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	SenderEmail  string

	// OperatorEmail receives notices without a user, such as
	// SUBSCRIPTION_CHECK_FAILED. Optional.
	OperatorEmail string

	// PortalURL is linked from user e-mails so they can fix billing. Optional.
	PortalURL string

	// Tag is attached to every message (default: "billing").
	Tag string
}

// Validate checks required settings.
func (c PostmarkConfig) Validate() error {
	if c.ServerToken == "" {
		return fmt.Errorf("%w: ServerToken is required", ErrInvalidConfig)
	}
	if c.AccountToken == "" {
		return fmt.Errorf("%w: AccountToken is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(c.SenderEmail); err != nil {
		return fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if c.OperatorEmail != "" {
		if _, err := mail.ParseAddress(c.OperatorEmail); err != nil {
			return fmt.Errorf("%w: OperatorEmail must be a valid email address", ErrInvalidConfig)
		}
	}
	return nil
}

type emailSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// Postmark sends billing issue e-mails through Postmark.
type Postmark struct {
	client emailSender
	config PostmarkConfig
}

// NewPostmark creates a Postmark notifier.
func NewPostmark(cfg PostmarkConfig) (*Postmark, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tag == "" {
		cfg.Tag = "billing"
	}
	return &Postmark{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

func (p *Postmark) Notify(ctx context.Context, n billsync.Notification) error {
	to := n.Email
	if n.UserID == "" {
		to = p.config.OperatorEmail
	}
	if to == "" {
		return ErrNoRecipient
	}

	subject, body := p.render(n)
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.config.SenderEmail,
		To:       to,
		Subject:  subject,
		Tag:      p.config.Tag,
		TextBody: body,
	})
	if err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrDeliveryFailed,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

func (p *Postmark) render(n billsync.Notification) (string, string) {
	var subject, lead string
	switch n.Issue {
	case billsync.IssueSubscriptionPastDue:
		subject = "Your subscription payment is past due"
		lead = "We could not collect the latest payment for your subscription."
	case billsync.IssueSubscriptionCancelled:
		subject = "Your subscription has been cancelled"
		lead = "Your subscription is no longer active."
	case billsync.IssueSubscriptionIncomplete:
		subject = "Your subscription needs attention"
		lead = "Your subscription could not be activated."
	case billsync.IssuePaymentFailed:
		subject = "Payment failed"
		lead = "A payment for your subscription failed."
	case billsync.IssuePaymentMethodInvalid:
		subject = "Your payment method was removed"
		lead = "The payment method on file is no longer available."
	case billsync.IssueSubscriptionCheckFailed:
		subject = "Subscription check failed"
		lead = fmt.Sprintf("The billing provider was unreachable during a poll run (%s of %s users failed).",
			n.Details["errors"], n.Details["total"])
	default:
		subject = "Billing notice"
		lead = "There is an issue with your billing."
	}

	var b strings.Builder
	b.WriteString(lead)
	b.WriteString("\n")
	if n.Status != "" && n.UserID != "" {
		fmt.Fprintf(&b, "\nCurrent status: %s\n", n.Status)
	}
	if n.UserID != "" && p.config.PortalURL != "" {
		fmt.Fprintf(&b, "\nUpdate your billing details: %s\n", p.config.PortalURL)
	}
	return subject, b.String()
}
