package models

import "time"

type PackMode string

const (
	PackModePayment      PackMode = "payment"
	PackModeSubscription PackMode = "subscription"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
	PaymentStatusIgnored PaymentStatus = "ignored"
)

// Credit sources recorded on batches. Subscription and PAYG grants append a
// qualifier, e.g. "PAYG:3" or "SUBSCRIPTION:2025-11".
const (
	SourcePAYG         = "PAYG"
	SourceSubscription = "SUBSCRIPTION"
	SourceManual       = "MANUAL"
)

type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     *string   `json:"-"`
	StripeCustomerID *string   `json:"stripe_customer_id,omitempty"`
	TotalCredits     int       `json:"total_credits"`
	Pro              bool      `json:"pro"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditBatch is one grant of credits. Amount is what remains in the batch.
type CreditBatch struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Amount    int       `json:"amount"`
	Source    string    `json:"source"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the batch can still be counted and spent at now.
func (b CreditBatch) Valid(now time.Time) bool {
	return b.Amount > 0 && b.ExpiresAt.After(now)
}

type CreditSummary struct {
	Total   int           `json:"total"`
	Batches []CreditBatch `json:"batches"`
}

type CreditPack struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	StripePriceID string    `json:"stripe_price_id"`
	Mode          PackMode  `json:"mode"`
	Credits       int       `json:"credits"`
	DaysValid     int       `json:"days_valid"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Payment struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	PackID          *int64        `json:"pack_id,omitempty"`
	Provider        string        `json:"provider"`
	ProviderEventID string        `json:"provider_event_id"`
	EventType       string        `json:"event_type"`
	Credits         int           `json:"credits"`
	Status          PaymentStatus `json:"status"`
	RawPayload      string        `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Removal records one processed image and where its full-resolution result lives.
type Removal struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	ImageID      string    `json:"image_id"`
	OriginalURL  string    `json:"original_url"`
	PreviewURL   string    `json:"preview_url"`
	ProcessedKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
