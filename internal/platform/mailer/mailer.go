// Package mailer は通知を SMTP で送る
package mailer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"library-backend/internal/notify"
	"library-backend/internal/platform/config"
)

type sendFunc func(ctx context.Context, m *mail.Msg) error

// SMTPNotifier は notify.Notifier の SMTP 実装。失敗はログに出して false を返す
type SMTPNotifier struct {
	from    string
	send    sendFunc
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// New: SMTP ホストが未設定ならログに出すだけの LogNotifier を返す
func New(cfg config.MailConfig, log logrus.FieldLogger) (notify.Notifier, error) {
	if cfg.Host == "" {
		log.Warn("mail.host is empty; notifications are written to the log only")
		return &LogNotifier{log: log}, nil
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	send := func(ctx context.Context, m *mail.Msg) error {
		return client.DialAndSendWithContext(ctx, m)
	}
	return newSMTPNotifier(cfg, send, log), nil
}

func newSMTPNotifier(cfg config.MailConfig, send sendFunc, log logrus.FieldLogger) *SMTPNotifier {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond) + 1
	}
	return &SMTPNotifier{
		from:    cfg.From,
		send:    send,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, to notify.Recipient, subject, body string) bool {
	log := n.log.WithFields(logrus.Fields{"user_id": to.UserID, "subject": subject})
	if to.Email == "" {
		log.Warn("recipient has no email address")
		return false
	}
	if err := n.limiter.Wait(ctx); err != nil {
		log.WithError(err).Warn("mail rate limit wait aborted")
		return false
	}

	m := mail.NewMsg()
	if err := m.From(n.from); err != nil {
		log.WithError(err).Error("invalid sender address")
		return false
	}
	if err := m.To(to.Email); err != nil {
		log.WithError(err).Warn("invalid recipient address")
		return false
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	if err := n.send(ctx, m); err != nil {
		log.WithError(err).Error("send mail failed")
		return false
	}
	return true
}

// LogNotifier は開発用。送信せずログに出して成功扱いにする。
type LogNotifier struct {
	log logrus.FieldLogger
}

func (n *LogNotifier) Notify(_ context.Context, to notify.Recipient, subject, body string) bool {
	n.log.WithFields(logrus.Fields{
		"to":      to.Email,
		"user_id": to.UserID,
		"subject": subject,
	}).Info(body)
	return true
}
