package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"ezoutreach/internal/provider"
	"ezoutreach/pkg/metrics"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const snippetLimit = 4096

// reader keeps one IMAP session per mailbox and reconnects after failures.
type reader struct {
	cfg     Config
	timeout time.Duration

	mu          sync.Mutex
	conn        *client.Client
	uidValidity uint32
}

func newReader(cfg Config, timeout time.Duration) *reader {
	return &reader{cfg: cfg, timeout: timeout}
}

func (r *reader) session() (*client.Client, error) {
	if r.conn != nil {
		select {
		case <-r.conn.LoggedOut():
			r.conn = nil
		default:
			return r.conn, nil
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.IMAPHost, r.cfg.IMAPPort)
	var (
		c   *client.Client
		err error
	)
	if strings.EqualFold(r.cfg.TLS, "none") {
		c, err = client.Dial(addr)
	} else {
		c, err = client.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	c.Timeout = r.timeout

	if err := c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, &provider.AuthError{Err: fmt.Errorf("imap login: %w", err)}
	}
	status, err := c.Select(r.cfg.Folder, false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap select %s: %w", r.cfg.Folder, err)
	}
	r.conn = c
	r.uidValidity = status.UidValidity
	return c, nil
}

func (r *reader) drop() {
	if r.conn != nil {
		_ = r.conn.Logout()
		r.conn = nil
	}
}

func (r *reader) ListRecentMessages(ctx context.Context, since time.Time) (msgs []provider.InboundMessage, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordProviderCall("imap", "list", status, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.session()
	if err != nil {
		return nil, err
	}

	uids, err := c.UidSearch(searchCriteria(since))
	if err != nil {
		r.drop()
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	fetched := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, fetched)
	}()

	for m := range fetched {
		in, err := r.convert(m, section)
		if err != nil {
			continue
		}
		msgs = append(msgs, in)
	}
	if err := <-done; err != nil {
		r.drop()
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return msgs, nil
}

// searchCriteria matches every message since the cutoff, read or not.
func searchCriteria(since time.Time) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	return criteria
}

func (r *reader) convert(m *imap.Message, section *imap.BodySectionName) (provider.InboundMessage, error) {
	in := provider.InboundMessage{
		ID:         fmt.Sprintf("%d:%d", r.uidValidity, m.Uid),
		ReceivedAt: m.InternalDate,
	}
	if env := m.Envelope; env != nil {
		in.MessageID = env.MessageId
		in.Subject = env.Subject
		in.InReplyTo = env.InReplyTo
		if len(env.From) > 0 {
			in.From = env.From[0].Address()
		}
		if len(env.To) > 0 {
			in.To = env.To[0].Address()
		}
		if !env.Date.IsZero() && in.ReceivedAt.IsZero() {
			in.ReceivedAt = env.Date
		}
	}

	literal := m.GetBody(section)
	if literal == nil {
		return in, nil
	}
	parsed, err := mail.ReadMessage(bufio.NewReader(literal))
	if err != nil {
		return in, err
	}
	in.References = strings.Fields(parsed.Header.Get("References"))
	if in.InReplyTo == "" {
		in.InReplyTo = strings.TrimSpace(parsed.Header.Get("In-Reply-To"))
	}
	body, _ := io.ReadAll(io.LimitReader(parsed.Body, snippetLimit))
	in.Body = string(body)
	return in, nil
}

func (r *reader) MarkSeen(ctx context.Context, id string) error {
	validity, uid, err := parseInboundID(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.session()
	if err != nil {
		return err
	}
	if validity != r.uidValidity {
		// 文件夹被重建，旧 UID 已失效
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		r.drop()
		return fmt.Errorf("imap store seen: %w", err)
	}
	return nil
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop()
	return nil
}

func parseInboundID(id string) (uint32, uint32, error) {
	validity, uid, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed inbound id %q", id)
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed inbound id %q: %w", id, err)
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed inbound id %q: %w", id, err)
	}
	return uint32(v), uint32(u), nil
}
