// Package message turns raw RFC 5322 bytes into candidate emails.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/dhcgn/winesync/model"
)

var ErrEmptyMessage = errors.New("message is empty")

// Parse decodes headers, body text and attachments. When the message has no
// text/plain part, enmime down-converts the HTML part so Body is always text.
func Parse(raw model.RawMessage) (model.Email, error) {
	if len(bytes.TrimSpace(raw.Raw)) == 0 {
		return model.Email{}, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Raw))
	if err != nil {
		return model.Email{}, fmt.Errorf("parse mime: %w", err)
	}

	email := model.Email{
		UID:        raw.UID,
		MessageID:  strings.Trim(strings.TrimSpace(env.GetHeader("Message-Id")), "<>"),
		From:       env.GetHeader("From"),
		Subject:    env.GetHeader("Subject"),
		Body:       strings.TrimSpace(env.Text),
		ReceivedAt: raw.InternalDate,
		Raw:        raw.Raw,
	}

	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			email.ReceivedAt = t
		}
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now()
	}

	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)
	for _, part := range parts {
		if part == nil || part.FileName == "" || len(part.Content) == 0 {
			continue
		}
		email.Attachments = append(email.Attachments, model.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}

	return email, nil
}
