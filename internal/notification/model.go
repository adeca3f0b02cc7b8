package notification

import (
	"time"

	"gigchat/internal/apperr"
)

type Type string

const (
	TypeJobApplication  Type = "job_application"
	TypeJobOffer        Type = "job_offer"
	TypeContractUpdate  Type = "contract_update"
	TypePaymentReceived Type = "payment_received"
	TypeMessageReceived Type = "message_received"
	TypeSystemAlert     Type = "system_alert"
	TypeProfileUpdate   Type = "profile_update"
	TypeReviewReceived  Type = "review_received"
)

func (t Type) Valid() bool {
	switch t {
	case TypeJobApplication, TypeJobOffer, TypeContractUpdate, TypePaymentReceived,
		TypeMessageReceived, TypeSystemAlert, TypeProfileUpdate, TypeReviewReceived:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type ReadStatus struct {
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

type Notification struct {
	ID            string         `json:"id"`
	Recipient     string         `json:"recipient"`
	Type          Type           `json:"type"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Priority      Priority       `json:"priority"`
	ActionURL     string         `json:"actionUrl,omitempty"`
	RelatedEntity *RelatedEntity `json:"relatedEntity,omitempty"`
	Read          ReadStatus     `json:"readStatus"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func (n *Notification) clone() *Notification {
	cp := *n
	if n.RelatedEntity != nil {
		re := *n.RelatedEntity
		cp.RelatedEntity = &re
	}
	if n.Read.ReadAt != nil {
		t := *n.Read.ReadAt
		cp.Read.ReadAt = &t
	}
	return &cp
}

// MessageEvent describes a stored message from the recipient's point of view.
type MessageEvent struct {
	MessageID      string
	ConversationID string
	Sender         string
	Recipient      string
	Preview        string
}

// SystemNotice is an administrator-authored notification for one user.
type SystemNotice struct {
	Recipient string   `json:"recipient"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Priority  Priority `json:"priority"`
	ActionURL string   `json:"actionUrl"`
}

const (
	maxTitleLength   = 200
	maxContentLength = 2000
)

var (
	ErrNotFound     = apperr.NotFound("notification not found")
	ErrNotRecipient = apperr.Forbidden("not the recipient of this notification")
	ErrInvalidType  = apperr.Validation("unknown notification type")
	ErrRecipient    = apperr.Validation("recipient is required")
	ErrTitle        = apperr.Validationf("title must be 1 to %d characters", maxTitleLength)
	ErrContent      = apperr.Validationf("content must be 1 to %d characters", maxContentLength)
	ErrPriority     = apperr.Validation("priority must be low, medium or high")
)
