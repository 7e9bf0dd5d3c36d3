package model

import "time"

// RawMessage is a message as fetched from the mailbox, before MIME parsing.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Raw          []byte
}

// Attachment is a single file attached to a candidate email.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Email is a candidate email for one poll cycle. It is discarded after processing.
type Email struct {
	UID         uint32
	MessageID   string
	From        string
	Subject     string
	Body        string
	Attachments []Attachment
	ReceivedAt  time.Time
	Raw         []byte
}

// Label identifies the email in log lines.
func (e Email) Label() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.Subject
}
