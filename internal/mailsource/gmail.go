package mailsource

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
)

// GmailSource lists messages through the Gmail API.
type GmailSource struct {
	service   *gmail.Service
	userEmail string
}

// NewGmailSource creates a Gmail source authenticated with a stored refresh token
func NewGmailSource(ctx context.Context, cfg config.MailConfig) (*GmailSource, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
	tokenSource := oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewGmailSourceWithService(service, cfg.UserEmail), nil
}

// NewGmailSourceWithService wraps an existing Gmail service.
func NewGmailSourceWithService(service *gmail.Service, userEmail string) *GmailSource {
	return &GmailSource{service: service, userEmail: userEmail}
}

func (s *GmailSource) ListSince(ctx context.Context, since time.Time) ([]Message, error) {
	return s.ListBetween(ctx, since, time.Time{})
}

func (s *GmailSource) ListBetween(ctx context.Context, start, end time.Time) ([]Message, error) {
	// after:/before: take epoch seconds; the exact window is applied below.
	query := fmt.Sprintf("has:attachment after:%d", start.Unix()-1)
	if !end.IsZero() {
		query += fmt.Sprintf(" before:%d", end.Unix()+1)
	}

	var out []Message
	pageToken := ""
	for {
		call := s.service.Users.Messages.List(s.userEmail).Q(query).MaxResults(500).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyGmailError("gmail.list", err)
		}

		for _, ref := range resp.Messages {
			msg, err := s.service.Users.Messages.Get(s.userEmail, ref.Id).
				Format("full").
				Fields("id", "internalDate", "payload").
				Context(ctx).
				Do()
			if err != nil {
				return nil, classifyGmailError("gmail.get", err)
			}

			m := s.toMessage(msg)
			if inWindow(m.ReceivedAt, start, end) {
				out = append(out, m)
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	sortByReceived(out)
	logrus.WithFields(logrus.Fields{"user": s.userEmail, "in_range": len(out)}).Debug("Listed Gmail messages")
	return out, nil
}

func (s *GmailSource) toMessage(msg *gmail.Message) Message {
	var subject, from, messageID string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "subject":
				subject = h.Value
			case "from":
				from = h.Value
			case "message-id":
				messageID = strings.Trim(h.Value, "<> ")
			}
		}
	}
	if messageID == "" {
		messageID = msg.Id
	}

	sender := strings.ToLower(strings.TrimSpace(from))
	if addr, err := mail.ParseAddress(from); err == nil {
		sender = strings.ToLower(addr.Address)
	}

	received := time.UnixMilli(msg.InternalDate)
	gmailID := msg.Id
	payload := msg.Payload
	return NewMessage(messageID, sender, subject, received, func(ctx context.Context) ([]Attachment, error) {
		return s.attachments(gmailID, payload), nil
	})
}

// attachments walks the MIME tree. Part ids are used as attachment ids
// because Gmail attachment ids change between calls.
func (s *GmailSource) attachments(gmailID string, root *gmail.MessagePart) []Attachment {
	var atts []Attachment
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part == nil {
			return
		}
		if part.Filename != "" && part.Body != nil && !isInline(part) {
			atts = append(atts, s.attachment(gmailID, part))
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(root)
	return atts
}

func isInline(part *gmail.MessagePart) bool {
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, "Content-Disposition") {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value)), "inline")
		}
	}
	return false
}

func (s *GmailSource) attachment(gmailID string, part *gmail.MessagePart) Attachment {
	id := part.PartId
	if id == "" {
		id = part.Filename
	}
	inline := part.Body.Data
	attachmentID := part.Body.AttachmentId

	return NewAttachment(id, part.Filename, part.MimeType, func(ctx context.Context) ([]byte, error) {
		data := inline
		if data == "" {
			body, err := s.service.Users.Messages.Attachments.Get(s.userEmail, gmailID, attachmentID).Context(ctx).Do()
			if err != nil {
				return nil, classifyGmailError("gmail.attachment", err)
			}
			data = body.Data
		}
		decoded, err := base64.URLEncoding.DecodeString(data)
		if err != nil {
			// Gmail sometimes omits padding.
			decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
			if err != nil {
				return nil, errors.Wrap(err, "failed to decode attachment data")
			}
		}
		return decoded, nil
	})
}

func classifyGmailError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return errs.Transient(op, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return errs.FatalConfig("%s: %v", op, err)
		}
		return errors.Wrap(err, op)
	}
	// Network and oauth refresh failures end up here.
	return errs.Transient(op, err)
}

// Close is a no-op; the Gmail service holds no connection.
func (s *GmailSource) Close() error {
	return nil
}
