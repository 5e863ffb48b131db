// Package mailsource lists candidate messages and their attachments from the mailbox.
package mailsource

import (
	"context"
	"sort"
	"time"
)

// Source lists messages received in a time window. Messages are returned
// oldest first; attachment content is loaded lazily.
type Source interface {
	// ListSince returns messages received at or after since.
	ListSince(ctx context.Context, since time.Time) ([]Message, error)
	// ListBetween returns messages received in [start, end).
	ListBetween(ctx context.Context, start, end time.Time) ([]Message, error)
	Close() error
}

// Message is the metadata of one source message
type Message struct {
	ID         string
	Sender     string
	Subject    string
	ReceivedAt time.Time

	loadAttachments func(ctx context.Context) ([]Attachment, error)
}

// NewMessage builds a message whose attachments are produced by load on demand.
func NewMessage(id, sender, subject string, receivedAt time.Time, load func(ctx context.Context) ([]Attachment, error)) Message {
	return Message{
		ID:              id,
		Sender:          sender,
		Subject:         subject,
		ReceivedAt:      receivedAt.UTC(),
		loadAttachments: load,
	}
}

// Attachments loads the attachments of the message. Sources only fetch
// bodies when this is called, so ineligible messages cost a metadata fetch.
func (m Message) Attachments(ctx context.Context) ([]Attachment, error) {
	if m.loadAttachments == nil {
		return nil, nil
	}
	return m.loadAttachments(ctx)
}

// WithAttachments returns a copy of m carrying a fixed attachment list.
func (m Message) WithAttachments(atts ...Attachment) Message {
	m.loadAttachments = func(context.Context) ([]Attachment, error) { return atts, nil }
	return m
}

// Attachment is one file attached to a message
type Attachment struct {
	ID          string
	Filename    string
	ContentType string

	content func(ctx context.Context) ([]byte, error)
}

// NewAttachment builds an attachment whose bytes are read by content on demand.
func NewAttachment(id, filename, contentType string, content func(ctx context.Context) ([]byte, error)) Attachment {
	return Attachment{ID: id, Filename: filename, ContentType: contentType, content: content}
}

// BytesAttachment builds an attachment over bytes already in memory.
func BytesAttachment(id, filename, contentType string, data []byte) Attachment {
	return NewAttachment(id, filename, contentType, func(context.Context) ([]byte, error) { return data, nil })
}

// Content returns the attachment bytes.
func (a Attachment) Content(ctx context.Context) ([]byte, error) {
	if a.content == nil {
		return nil, nil
	}
	return a.content(ctx)
}

func sortByReceived(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})
}

func inWindow(t, start, end time.Time) bool {
	if t.Before(start) {
		return false
	}
	return end.IsZero() || t.Before(end)
}
