package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
)

type SMTPConfig struct {
	Server   string
	Port     string
	User     string
	Password string
	FromAddr string
	FromName string
}

func (c SMTPConfig) Enabled() bool {
	return c.Server != ""
}

// Email delivers plain text mail. Used for operator alerts.
type Email struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmail(cfg SMTPConfig) (*Email, error) {
	if cfg.Server == "" || cfg.Port == "" || cfg.User == "" || cfg.Password == "" || cfg.FromAddr == "" {
		return nil, errors.New("smtp server, port, user, password and from address are required")
	}
	if cfg.FromName == "" {
		cfg.FromName = "eSIM top-up"
	}
	return &Email{cfg: cfg, send: smtp.SendMail}, nil
}

func (e *Email) Send(ctx context.Context, to, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := []byte(fmt.Sprintf("From: %s <%s>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n"+
		"%s",
		e.cfg.FromName, e.cfg.FromAddr, to, "eSIM top-up: action needed", text))

	auth := smtp.PlainAuth("", e.cfg.User, e.cfg.Password, e.cfg.Server)
	if err := e.send(e.cfg.Server+":"+e.cfg.Port, auth, e.cfg.FromAddr, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
