package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//   - "postgres": server reached through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// DateLayout is the layout of collection_date and send_date.
const DateLayout = "2006-01-02"

type SubscriberStatus string

const (
	StatusPending      SubscriberStatus = "pending"
	StatusConfirmed    SubscriberStatus = "confirmed"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
)

type Subscriber struct {
	ID               int64
	TenantID         string
	Email            string
	Name             string
	Status           SubscriberStatus
	UnsubscribeToken string // empty unless confirmed at least once
	CreatedAt        time.Time
	ConfirmedAt      time.Time // zero if never confirmed
	UnsubscribedAt   time.Time // zero if never unsubscribed
}

type Purpose string

const (
	PurposeSubscribe   Purpose = "subscribe"
	PurposeUnsubscribe Purpose = "unsubscribe"
)

type VerificationRequest struct {
	ID            int64
	TenantID      string
	Email         string
	Name          string
	Purpose       Purpose
	Code          string
	ExpiresAt     time.Time
	Attempts      int
	ConsumedAt    time.Time // zero while unused
	InvalidatedAt time.Time // zero while live
	CreatedAt     time.Time
}

func (v VerificationRequest) Consumed() bool    { return !v.ConsumedAt.IsZero() }
func (v VerificationRequest) Invalidated() bool { return !v.InvalidatedAt.IsZero() }

// Expired reports whether the code can no longer be used at now.
func (v VerificationRequest) Expired(now time.Time) bool { return !now.Before(v.ExpiresAt) }

type CollectedData struct {
	TenantID    string
	Date        string // YYYY-MM-DD in the scheduler zone
	Payload     json.RawMessage
	Degraded    bool
	CollectedAt time.Time
}

type DeliveryStatus string

const (
	// DeliverySending marks a claimed row whose send has not finished yet.
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

type DeliveryRecord struct {
	TenantID     string
	Date         string
	SubscriberID int64
	Status       DeliveryStatus
	Subject      string
	AttemptedAt  time.Time
	Error        string
}

// AuditEntry records an operator action (manual or forced runs).
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	TenantID string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}
