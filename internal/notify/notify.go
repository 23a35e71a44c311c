// Package notify delivers fire-and-forget operator notifications.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelwarden/warden/internal/config"
)

// Notifier is the outbound notification capability. Delivery failures are
// the caller's to log; nothing retries.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// New returns an SMTP notifier, or a no-op one when no host is configured.
func New(cfg config.NotifyConfig) Notifier {
	if cfg.Host == "" {
		return noop{}
	}
	return &smtpNotifier{cfg: cfg}
}

type noop struct{}

func (noop) Notify(context.Context, string, string) error { return nil }

type smtpNotifier struct {
	cfg config.NotifyConfig
}

func (n *smtpNotifier) Notify(_ context.Context, subject, body string) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	msg := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + n.cfg.To,
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(addr, nil, n.cfg.From, []string{n.cfg.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send notification %q: %w", subject, err)
	}
	return nil
}

// Recorder is a Notifier for tests that captures every notification.
type Recorder struct {
	Subjects []string
	Bodies   []string
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, subject, body string) error {
	r.Subjects = append(r.Subjects, subject)
	r.Bodies = append(r.Bodies, body)
	return nil
}
