// Package mailer sends rendered mail. The SMTP transport is built on gomail;
// the log transport only records what would have been sent, for development
// and dry runs.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	mail "gopkg.in/gomail.v2"

	"newsletterd/internal/config"
	logx "newsletterd/pkg/logx"
)

// Message is one outgoing HTML mail.
type Message struct {
	To       string
	ToName   string
	FromName string // overrides the configured display name
	Subject  string
	HTML     string
	// Headers are extra headers such as List-Unsubscribe.
	Headers map[string]string
}

type Transport interface {
	Send(ctx context.Context, m Message) error
}

// New builds the transport selected by cfg.Transport.
func New(cfg config.SMTPSettings, log logx.Logger) (Transport, error) {
	switch cfg.Transport {
	case "smtp", "":
		return NewSMTP(cfg, log), nil
	case "log":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("mailer: unknown transport %q", cfg.Transport)
	}
}

type SMTP struct {
	dialer   *mail.Dialer
	from     string
	fromName string
	timeout  time.Duration
	log      logx.Logger
}

func NewSMTP(cfg config.SMTPSettings, log logx.Logger) *SMTP {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	d.SSL = cfg.Port == 465
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSMTPTimeout
	}
	return &SMTP{
		dialer:   d,
		from:     cfg.From,
		fromName: cfg.FromName,
		timeout:  timeout,
		log:      log.With(logx.String("comp", "mailer"), logx.String("transport", "smtp")),
	}
}

// ErrOutcomeUnknown marks a send abandoned while the SMTP exchange was still
// running. The server may have accepted the message anyway.
var ErrOutcomeUnknown = errors.New("mail outcome unknown")

// Send dials, sends and hangs up. gomail has no context support, so a
// cancelled ctx abandons the dial goroutine rather than interrupting it and
// the error wraps ErrOutcomeUnknown. The late result is only logged.
func (s *SMTP) Send(ctx context.Context, m Message) error {
	msg := s.build(m)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", m.To, err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			err := <-done
			s.log.Warn("abandoned smtp send settled", logx.String("to", m.To), logx.Bool("accepted", err == nil), logx.Err(err))
		}()
		return fmt.Errorf("smtp send to %s: %w: %w", m.To, ErrOutcomeUnknown, ctx.Err())
	}
}

func (s *SMTP) build(m Message) *mail.Message {
	msg := mail.NewMessage(mail.SetCharset("UTF-8"))
	fromName := s.fromName
	if m.FromName != "" {
		fromName = m.FromName
	}
	if fromName != "" {
		msg.SetAddressHeader("From", s.from, fromName)
	} else {
		msg.SetHeader("From", s.from)
	}
	if m.ToName != "" {
		msg.SetAddressHeader("To", m.To, m.ToName)
	} else {
		msg.SetHeader("To", m.To)
	}
	msg.SetHeader("Subject", m.Subject)
	for k, v := range m.Headers {
		msg.SetHeader(k, v)
	}
	msg.SetBody("text/plain", PlainText(m.HTML))
	msg.AddAlternative("text/html", m.HTML)
	return msg
}

var (
	blockTags  = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li|/h[1-6])[^>]*>`)
	stripTags  = regexp.MustCompile(`<[^>]*>`)
	styleBlock = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// PlainText is a rough text rendering of an HTML body for the text/plain part.
func PlainText(h string) string {
	s := styleBlock.ReplaceAllString(h, "")
	s = blockTags.ReplaceAllString(s, "\n")
	s = stripTags.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// Log records messages instead of sending them. It keeps the most recent
// ones in memory so tests and the dry-run CLI can inspect them.
type Log struct {
	log  logx.Logger
	mu   sync.Mutex
	sent []Message
	// Fail, when set, is consulted before each send.
	Fail func(m Message) error
}

const logKeep = 256

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "mailer"), logx.String("transport", "log"))}
}

func (l *Log) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	fail := l.Fail
	l.mu.Unlock()
	if fail != nil {
		if err := fail(m); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.sent = append(l.sent, m)
	if len(l.sent) > logKeep {
		l.sent = append([]Message(nil), l.sent[len(l.sent)-logKeep:]...)
	}
	l.mu.Unlock()
	l.log.Info("mail recorded", logx.String("to", m.To), logx.String("subject", m.Subject), logx.Int("bytes", len(m.HTML)))
	return nil
}

// SetFail swaps the failure hook.
func (l *Log) SetFail(fn func(m Message) error) {
	l.mu.Lock()
	l.Fail = fn
	l.mu.Unlock()
}

// Sent returns a copy of the recorded messages, oldest first.
func (l *Log) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}

// ErrRejected is a convenience failure for Log.Fail hooks.
var ErrRejected = errors.New("mailer: recipient rejected")
