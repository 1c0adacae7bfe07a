// Package storagetest opens throwaway sqlite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"newsletterd/internal/storage"
	logx "newsletterd/pkg/logx"
)

// Open returns a migrated store in t's temp dir, closed on cleanup.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "newsletter.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Confirmed inserts a confirmed subscriber whose unsubscribe token is
// "tok-" followed by the local part of email.
func Confirmed(t testing.TB, st *storage.Store, tenantID, email, name string) storage.Subscriber {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	sub, err := st.Q().CreatePendingSubscriber(ctx, tenantID, email, name, now)
	if err != nil {
		t.Fatalf("create subscriber %s: %v", email, err)
	}
	token := "tok-" + email[:strings.IndexByte(email, '@')]
	if ok, err := st.Q().ConfirmSubscriber(ctx, sub.ID, token, now); err != nil || !ok {
		t.Fatalf("confirm subscriber %s: ok=%v err=%v", email, ok, err)
	}
	sub, err = st.Q().SubscriberByID(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}
