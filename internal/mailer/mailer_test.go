package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/storage"
	"newsletterd/internal/subscription"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

func TestNewSelectsTransport(t *testing.T) {
	tr, err := New(config.SMTPSettings{Transport: "log"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*Log); !ok {
		t.Fatalf("transport = %T", tr)
	}
	tr, err = New(config.SMTPSettings{Transport: "smtp", Host: "smtp.example.com", Port: 587, From: "a@example.com"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*SMTP); !ok {
		t.Fatalf("transport = %T", tr)
	}
	if _, err := New(config.SMTPSettings{Transport: "pigeon"}, logx.Nop()); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestSMTPSendHonorsContext(t *testing.T) {
	// Port 1 on a TEST-NET address never answers quickly; the ctx wins.
	s := NewSMTP(config.SMTPSettings{Host: "192.0.2.1", Port: 1, From: "a@example.com", Timeout: time.Minute}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, Message{To: "b@example.com", Subject: "x", HTML: "<p>x</p>"})
	if !errors.Is(err, ErrOutcomeUnknown) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText(`<style>p{color:red}</style><h1>제목</h1><p>첫 줄 &amp; 끝</p><br><div>  둘째   줄 </div>`)
	want := "제목\n첫 줄 & 끝\n\n둘째 줄"
	if got != want {
		t.Fatalf("PlainText = %q, want %q", got, want)
	}
}

func TestLogTransportRecordsAndFails(t *testing.T) {
	l := NewLog(logx.Nop())
	ctx := context.Background()
	if err := l.Send(ctx, Message{To: "a@example.com", Subject: "one"}); err != nil {
		t.Fatal(err)
	}
	l.SetFail(func(m Message) error {
		if m.To == "bad@example.com" {
			return ErrRejected
		}
		return nil
	})
	if err := l.Send(ctx, Message{To: "bad@example.com"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	sent := l.Sent()
	if len(sent) != 1 || sent[0].Subject != "one" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestCodeNotifier(t *testing.T) {
	l := NewLog(logx.Nop())
	n := NewCodeNotifier(l, time.UTC)
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	brand := tenant.DefaultBrand()
	brand.DisplayName = "EduFit <브리핑>"
	brand.SubjectPrefix = "[EduFit]"

	err := n.SendCode(context.Background(), subscription.Code{
		TenantID:  "edufit",
		Brand:     brand,
		Email:     "reader@example.com",
		Name:      "홍길동",
		Code:      "042917",
		Purpose:   storage.PurposeSubscribe,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = n.SendCode(context.Background(), subscription.Code{
		Brand:     brand,
		Email:     "reader@example.com",
		Code:      "777000",
		Purpose:   storage.PurposeUnsubscribe,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	sent := l.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d", len(sent))
	}
	if sent[0].Subject != "[EduFit] 인증코드: 042917" || sent[1].Subject != "[EduFit] 구독 해지 인증코드: 777000" {
		t.Fatalf("subjects = %q, %q", sent[0].Subject, sent[1].Subject)
	}
	body := sent[0].HTML
	for _, want := range []string{"042917", "10분", "홍길동님", "EduFit &lt;브리핑&gt;", "2026-10-15 09:10"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if !strings.Contains(sent[1].HTML, "구독 해지를 요청") {
		t.Error("unsubscribe wording missing")
	}
	if sent[0].FromName != brand.DisplayName || sent[0].ToName != "홍길동" {
		t.Fatalf("names = %q / %q", sent[0].FromName, sent[0].ToName)
	}
}
