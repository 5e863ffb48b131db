package mailsource

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
)

// IMAPSource lists messages from one IMAP folder. A single connection is
// shared and serialised; it is re-dialed when the server drops it.
type IMAPSource struct {
	addr     string
	user     string
	password string
	folder   string

	mu          sync.Mutex
	client      *client.Client
	uidValidity uint32
}

// NewIMAPSource creates an IMAP source. The connection is opened on first use.
func NewIMAPSource(cfg config.MailConfig) *IMAPSource {
	folder := cfg.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPSource{
		addr:     fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort),
		user:     cfg.IMAPUser,
		password: cfg.IMAPPassword,
		folder:   folder,
	}
}

func (s *IMAPSource) ListSince(ctx context.Context, since time.Time) ([]Message, error) {
	return s.ListBetween(ctx, since, time.Time{})
}

func (s *IMAPSource) ListBetween(ctx context.Context, start, end time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect()
	if err != nil {
		return nil, err
	}

	// SEARCH SINCE/BEFORE have day granularity; the exact window is applied below.
	criteria := imap.NewSearchCriteria()
	criteria.Since = start.UTC().Truncate(24 * time.Hour)
	if !end.IsZero() {
		criteria.Before = end.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		s.drop()
		return nil, errs.Transient("imap.search", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}, messages)
	}()

	var out []Message
	for msg := range messages {
		if msg.Envelope == nil || !inWindow(msg.InternalDate, start, end) {
			continue
		}
		out = append(out, s.toMessage(msg))
	}

	if err := <-done; err != nil {
		s.drop()
		return nil, errs.Transient("imap.fetch", err)
	}

	sortByReceived(out)
	logrus.WithFields(logrus.Fields{
		"folder":   s.folder,
		"matched":  len(uids),
		"in_range": len(out),
	}).Debug("Listed IMAP messages")
	return out, nil
}

func (s *IMAPSource) toMessage(msg *imap.Message) Message {
	env := msg.Envelope

	id := strings.Trim(env.MessageId, "<> ")
	if id == "" {
		id = fmt.Sprintf("%s:%d:%d", s.folder, s.uidValidity, msg.Uid)
	}

	var sender string
	if len(env.From) > 0 {
		sender = strings.ToLower(env.From[0].Address())
	}

	uid := msg.Uid
	return NewMessage(id, sender, env.Subject, msg.InternalDate, func(ctx context.Context) ([]Attachment, error) {
		return s.fetchAttachments(ctx, uid)
	})
}

func (s *IMAPSource) fetchAttachments(ctx context.Context, uid uint32) ([]Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect()
	if err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw *imap.Message
	for msg := range messages {
		raw = msg
	}
	if err := <-done; err != nil {
		s.drop()
		return nil, errs.Transient("imap.fetch_body", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message uid %d no longer exists", uid)
	}

	body := raw.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("server returned no body for uid %d", uid)
	}
	return ParseAttachments(body)
}

// ParseAttachments extracts the attachment parts of a raw RFC 5322 message.
// Attachment ids are the 1-based ordinal of the part among attachments,
// which is stable because stored messages are immutable.
func ParseAttachments(r io.Reader) ([]Attachment, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message")
	}
	defer mr.Close()

	var atts []Attachment
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read part")
		}

		// Inline parts are bodies, logos and banners.
		h, ok := p.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := h.Filename()
		if filename == "" {
			continue
		}
		contentType, _, _ := h.ContentType()

		data, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read attachment %s", filename)
		}
		atts = append(atts, BytesAttachment(fmt.Sprintf("%d", len(atts)+1), filename, contentType, data))
	}
	return atts, nil
}

func (s *IMAPSource) connect() (*client.Client, error) {
	if s.client != nil && s.client.State() != imap.LogoutState {
		return s.client, nil
	}

	c, err := client.DialTLS(s.addr, nil)
	if err != nil {
		return nil, errs.Transient("imap.dial", err)
	}
	c.Timeout = time.Minute

	if err := c.Login(s.user, s.password); err != nil {
		c.Logout()
		return nil, errs.FatalConfig("failed to login to IMAP server: %v", err)
	}

	status, err := c.Select(s.folder, true)
	if err != nil {
		c.Logout()
		return nil, errors.Wrapf(err, "failed to select %s", s.folder)
	}

	s.client = c
	s.uidValidity = status.UidValidity
	logrus.WithFields(logrus.Fields{"addr": s.addr, "folder": s.folder}).Info("Connected to IMAP server")
	return c, nil
}

func (s *IMAPSource) drop() {
	if s.client != nil {
		s.client.Logout()
		s.client = nil
	}
}

// Close logs out of the IMAP server.
func (s *IMAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	return err
}
