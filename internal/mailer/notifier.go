package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"newsletterd/internal/storage"
	"newsletterd/internal/subscription"
)

//go:embed templates/code.html
var codeFS embed.FS

var codeTmpl = template.Must(template.ParseFS(codeFS, "templates/code.html"))

// CodeNotifier mails verification codes through a Transport.
type CodeNotifier struct {
	tr  Transport
	loc *time.Location
	now func() time.Time
}

var _ subscription.Notifier = (*CodeNotifier)(nil)

// NewCodeNotifier formats expiry times in loc (UTC when nil).
func NewCodeNotifier(tr Transport, loc *time.Location) *CodeNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &CodeNotifier{tr: tr, loc: loc, now: time.Now}
}

func (n *CodeNotifier) SendCode(ctx context.Context, c subscription.Code) error {
	m, err := n.message(c)
	if err != nil {
		return err
	}
	return n.tr.Send(ctx, m)
}

func (n *CodeNotifier) message(c subscription.Code) (Message, error) {
	subject := CodeSubject(c.Brand.SubjectPrefix, c.Purpose, c.Code)
	minutes := int(c.ExpiresAt.Sub(n.now()).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	var buf bytes.Buffer
	err := codeTmpl.Execute(&buf, map[string]any{
		"Subject":     subject,
		"Brand":       c.Brand,
		"Name":        c.Name,
		"Code":        c.Code,
		"Unsubscribe": c.Purpose == storage.PurposeUnsubscribe,
		"Minutes":     minutes,
		"ExpiresAt":   c.ExpiresAt.In(n.loc).Format("2006-01-02 15:04"),
	})
	if err != nil {
		return Message{}, fmt.Errorf("render code mail: %w", err)
	}
	return Message{
		To:       c.Email,
		ToName:   c.Name,
		FromName: c.Brand.DisplayName,
		Subject:  subject,
		HTML:     buf.String(),
	}, nil
}

// CodeSubject is the subject line of a verification mail.
func CodeSubject(prefix string, purpose storage.Purpose, code string) string {
	if purpose == storage.PurposeUnsubscribe {
		return fmt.Sprintf("%s 구독 해지 인증코드: %s", prefix, code)
	}
	return fmt.Sprintf("%s 인증코드: %s", prefix, code)
}
