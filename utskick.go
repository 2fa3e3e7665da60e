package utskick

import (
	"errors"
	"time"

	"github.com/modfin/utskick/pkg/zid"
)

// Error taxonomy of the engine. Errors are wrapped with context where they
// occur and checked with errors.Is at the edges.
var (
	ErrValidation    = errors.New("validation error")
	ErrAudienceEmpty = errors.New("audience resolved to zero recipients")
	ErrTransport     = errors.New("transport error")
	ErrInvalidState  = errors.New("invalid state")
	ErrNotFound      = errors.New("not found")
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Template is a reusable subject/body pattern. Both patterns may contain
// {{field}} placeholders which are substituted at dispatch time.
type Template struct {
	ID        string    `json:"id" db:"id"`
	Community string    `json:"community" db:"community"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AudienceFilter selects recipients declaratively. It is resolved into
// concrete recipients when the campaign is dispatched, not when it is
// created, so membership changes in between are honored.
type AudienceFilter struct {
	Community string `json:"community" db:"community"`
	Role      string `json:"role" db:"audience_role"`
}

var AudienceRoles = []string{"resident", "owner", "tenant", "board", "vendor"}

type Campaign struct {
	ID              zid.ID         `json:"id" db:"id"`
	Community       string         `json:"community" db:"community"`
	Title           string         `json:"title" db:"title"`
	TemplateID      string         `json:"template_id" db:"template_id"`
	AudienceRole    string         `json:"audience_role" db:"audience_role"`
	Status          CampaignStatus `json:"status" db:"status"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	TotalRecipients int            `json:"total_recipients" db:"total_recipients"`
	SentCount       int            `json:"sent_count" db:"sent_count"`
	FailedCount     int            `json:"failed_count" db:"failed_count"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// Delivery is the per-recipient unit of work for a campaign, carrying the
// rendered content and the outcome history of delivery attempts.
type Delivery struct {
	ID             string         `json:"id" db:"id"`
	CampaignID     zid.ID         `json:"campaign_id" db:"campaign_id"`
	RecipientEmail string         `json:"recipient_email" db:"recipient_email"`
	Subject        string         `json:"subject" db:"subject"`
	Body           string         `json:"body" db:"body"`
	Status         DeliveryStatus `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// CampaignStats is derived by aggregating delivery rows, it is never a
// separately maintained counter.
type CampaignStats struct {
	Total   int `json:"total" db:"total"`
	Pending int `json:"pending" db:"pending"`
	Sent    int `json:"sent" db:"sent"`
	Failed  int `json:"failed" db:"failed"`
}

func (s CampaignStats) Terminal() bool {
	return s.Pending == 0
}

// RetryReceipt reports how many failed deliveries were re-admitted.
type RetryReceipt struct {
	CampaignID string `json:"campaign_id"`
	Retried    int    `json:"retried"`
}
