package message

import (
	"strings"
	"time"
	"unicode/utf8"

	"gigchat/internal/apperr"
	"gigchat/internal/conversation"
	"gigchat/internal/notification"
)

type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeFile   Type = "file"
	TypeSystem Type = "system"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
	AttachmentOther    AttachmentKind = "other"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentDocument, AttachmentOther:
		return true
	}
	return false
}

// ScanStatus is set by the attachment-scanning side channel.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanFailed   ScanStatus = "failed"
)

func (s ScanStatus) Valid() bool {
	switch s {
	case ScanPending, ScanClean, ScanInfected, ScanFailed:
		return true
	}
	return false
}

type Attachment struct {
	Kind       AttachmentKind `json:"type"`
	Name       string         `json:"name"`
	Locator    string         `json:"locator"`
	Size       int64          `json:"size"`
	ScanStatus ScanStatus     `json:"scanStatus"`
}

// Envelope carries end-to-end encrypted material. It is stored as-is and
// never interpreted by the server.
type Envelope struct {
	Scheme     string   `json:"scheme"`
	KeyIDs     []string `json:"keyIds,omitempty"`
	Nonce      string   `json:"nonce,omitempty"`
	Ciphertext string   `json:"ciphertext"`
}

type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ReadStatus struct {
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         string       `json:"sender"`
	Recipient      string       `json:"recipient"`
	Content        string       `json:"content"`
	Type           Type         `json:"messageType"`
	Attachments    []Attachment `json:"attachments"`
	Envelope       *Envelope    `json:"encryption,omitempty"`
	conversation.Tags
	Read      ReadStatus `json:"read"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	Reactions []Reaction `json:"reactions"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (m *Message) HasParty(userID string) bool {
	return m.Sender == userID || m.Recipient == userID
}

// Other returns the party that is not userID.
func (m *Message) Other(userID string) string {
	if m.Sender == userID {
		return m.Recipient
	}
	return m.Sender
}

func (m *Message) clone() *Message {
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.Envelope != nil {
		env := *m.Envelope
		env.KeyIDs = append([]string(nil), m.Envelope.KeyIDs...)
		cp.Envelope = &env
	}
	if m.Read.ReadAt != nil {
		t := *m.Read.ReadAt
		cp.Read.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

const (
	MaxContentLength = 5000
	MaxAttachments   = 10
	MaxEmojiLength   = 32
	previewLength    = 140
)

var (
	ErrContentRequired  = apperr.Validation("content must not be empty")
	ErrContentTooLong   = apperr.Validationf("content must be at most %d characters", MaxContentLength)
	ErrRecipientMissing = apperr.Validation("recipient is required")
	ErrSenderMissing    = apperr.Unauthenticated("sender identity is required")
	ErrSelfMessage      = apperr.Validation("sender and recipient must differ")
	ErrInvalidType      = apperr.Validation("unknown message type")
	ErrTooManyFiles     = apperr.Validationf("at most %d attachments per message", MaxAttachments)
	ErrInvalidEnvelope  = apperr.Validation("encryption envelope needs a scheme and ciphertext")
	ErrInvalidEmoji     = apperr.Validationf("emoji must be 1 to %d characters", MaxEmojiLength)
	ErrInvalidScan      = apperr.Validation("unknown scan status")
	ErrNoMessageIDs     = apperr.Validation("messageIds must not be empty")
	ErrInvalidMessageID = apperr.Validation("invalid message id")

	ErrNotFound           = apperr.NotFound("message not found")
	ErrAttachmentNotFound = apperr.NotFound("attachment not found")
	ErrNotSender          = apperr.Forbidden("only the sender may change this message")
	ErrNotParty           = apperr.Forbidden("not a party to this message")
)

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrContentRequired
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

func validateAttachments(atts []Attachment) error {
	if len(atts) > MaxAttachments {
		return ErrTooManyFiles
	}
	for i, a := range atts {
		if !a.Kind.Valid() {
			return apperr.Validationf("attachment %d: unknown type %q", i, a.Kind)
		}
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Locator) == "" {
			return apperr.Validationf("attachment %d: name and locator are required", i)
		}
		if a.Size < 0 {
			return apperr.Validationf("attachment %d: size must not be negative", i)
		}
		if a.ScanStatus != "" && !a.ScanStatus.Valid() {
			return apperr.Validationf("attachment %d: unknown scan status", i)
		}
	}
	return nil
}

func validateEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	n := utf8.RuneCountInString(emoji)
	if n == 0 || n > MaxEmojiLength {
		return "", ErrInvalidEmoji
	}
	return emoji, nil
}

// SendCommand is a request to store a new message. Sender is always the
// authenticated caller.
type SendCommand struct {
	Sender      string
	Recipient   string
	Content     string
	Type        Type
	Attachments []Attachment
	Envelope    *Envelope
	conversation.Tags
}

func (c *SendCommand) normalize() {
	c.Recipient = strings.TrimSpace(c.Recipient)
	if c.Type == "" {
		c.Type = TypeText
	}
	for i := range c.Attachments {
		if c.Attachments[i].ScanStatus == "" {
			c.Attachments[i].ScanStatus = ScanPending
		}
	}
}

func (c *SendCommand) Validate() error {
	if c.Sender == "" {
		return ErrSenderMissing
	}
	if c.Recipient == "" {
		return ErrRecipientMissing
	}
	if c.Sender == c.Recipient {
		return ErrSelfMessage
	}
	if err := validateContent(c.Content); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return ErrInvalidType
	}
	if err := validateAttachments(c.Attachments); err != nil {
		return err
	}
	if c.Envelope != nil && (strings.TrimSpace(c.Envelope.Scheme) == "" || c.Envelope.Ciphertext == "") {
		return ErrInvalidEnvelope
	}
	return nil
}

type SendResult struct {
	Message      *Message                   `json:"message"`
	Conversation *conversation.Conversation `json:"conversation"`
	Notification *notification.Notification `json:"notification,omitempty"`
	// Delivered is true when at least one live connection of the recipient
	// accepted the push.
	Delivered bool `json:"delivered"`
	// Pending is true when the derived updates could not be applied yet.
	// The outbox relay will retry them.
	Pending bool `json:"pending"`
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	r := []rune(content)
	return string(r[:previewLength-1]) + "…"
}
