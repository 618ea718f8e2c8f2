package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	AppName  string
}

// SMTPDispatcher delivers mail synchronously. It backs both the awaited
// OTP path (called from the verifier) and the notifier worker.
type SMTPDispatcher struct {
	cfg SMTPConfig
}

func NewSMTPDispatcher(cfg SMTPConfig) *SMTPDispatcher {
	return &SMTPDispatcher{cfg: cfg}
}

func (d *SMTPDispatcher) Send(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	subject, body, err := render(d.cfg.AppName, msg)
	if err != nil {
		return err
	}

	headers := []string{
		fmt.Sprintf("From: %s", d.cfg.From),
		fmt.Sprintf("To: %s", msg.To),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}
	payload := strings.Join(headers, "\r\n")

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	auth := smtp.PlainAuth("", d.cfg.User, d.cfg.Password, d.cfg.Host)

	if err := smtp.SendMail(addr, auth, d.cfg.From, []string{msg.To}, []byte(payload)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func render(appName string, msg Message) (subject, body string, err error) {
	switch msg.Template {
	case TemplateOTP:
		code := msg.Data["code"]
		if code == "" {
			return "", "", fmt.Errorf("otp template requires code")
		}
		subject = fmt.Sprintf("%s verification code", appName)
		body = fmt.Sprintf("Your %s verification code is %s. It expires in %s.", appName, code, msg.Data["expires_in"])
		return subject, body, nil
	case TemplateWelcome:
		subject = fmt.Sprintf("Welcome to %s", appName)
		body = fmt.Sprintf("Hi %s,\r\n\r\nYour %s account is ready.", msg.Data["name"], appName)
		return subject, body, nil
	default:
		return "", "", fmt.Errorf("unknown template %q", msg.Template)
	}
}
