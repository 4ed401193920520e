package charge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventChargeCreated      EventType = "ChargeCreated"
	EventClaimSubmitted     EventType = "ClaimSubmitted"
	EventClaimStatusChanged EventType = "ClaimStatusChanged"
	EventClaimDenied        EventType = "ClaimDenied"
	EventClaimRejected      EventType = "ClaimRejected"
	EventClaimResubmitted   EventType = "ClaimResubmitted"
	EventAppealSubmitted    EventType = "AppealSubmitted"
	EventAppealResolved     EventType = "AppealResolved"
	EventPaymentPosted      EventType = "PaymentPosted"
	EventFollowUpScheduled  EventType = "FollowUpScheduled"
	EventFollowUpEscalated  EventType = "FollowUpEscalated"
)

// AggregateType is the aggregate name stamped on every event.
const AggregateType = "Charge"

// Event represents a charge lifecycle event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	ClaimID       string          `json:"claim_id,omitempty"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, claimID string, eventType EventType, data interface{}, ts time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		ClaimID:       claimID,
		EventData:     eventData,
		Timestamp:     ts.UTC(),
	}, nil
}

// ChargeCreatedData contains charge creation details
type ChargeCreatedData struct {
	PatientID   string          `json:"patient_id"`
	Department  string          `json:"department"`
	ServiceCode string          `json:"service_code"`
	Amount      decimal.Decimal `json:"amount"`
}

// ClaimSubmittedData contains claim submission details
type ClaimSubmittedData struct {
	ClaimID           string `json:"claim_id"`
	ClearinghouseRef  string `json:"clearinghouse_ref"`
	ResubmissionCount int    `json:"resubmission_count"`
}

// StatusChangedData records one claim status transition
type StatusChangedData struct {
	ClaimID string      `json:"claim_id"`
	From    ClaimStatus `json:"from"`
	To      ClaimStatus `json:"to"`
	Message string      `json:"message"`
}

// ClaimDeniedData contains denial details
type ClaimDeniedData struct {
	ClaimID           string     `json:"claim_id"`
	Kind              DenialKind `json:"kind"`
	ReasonCode        string     `json:"reason_code,omitempty"`
	Category          Category   `json:"category"`
	ResubmissionCount int        `json:"resubmission_count"`
	CanResubmit       bool       `json:"can_resubmit"`
}

// ClaimResubmittedData contains resubmission details
type ClaimResubmittedData struct {
	PreviousClaimID   string `json:"previous_claim_id"`
	ClaimID           string `json:"claim_id"`
	ResubmissionCount int    `json:"resubmission_count"`
	CorrectionNotes   string `json:"correction_notes,omitempty"`
}

// AppealData contains appeal submission or resolution details
type AppealData struct {
	ClaimID string       `json:"claim_id"`
	Level   int          `json:"level"`
	Status  AppealStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// PaymentPostedData contains payment details
type PaymentPostedData struct {
	ClaimID   string          `json:"claim_id"`
	Amount    decimal.Decimal `json:"amount"`
	Automated bool            `json:"automated"`
}

// FollowUpData contains follow-up scheduling or escalation details
type FollowUpData struct {
	ClaimID       string      `json:"claim_id"`
	DueAt         time.Time   `json:"due_at"`
	Reason        string      `json:"reason"`
	TriggerStatus ClaimStatus `json:"trigger_status"`
	Message       string      `json:"message,omitempty"`
}
