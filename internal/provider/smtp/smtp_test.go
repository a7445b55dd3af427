package smtp

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, timeout, err := parseConfig(json.RawMessage(`{"smtp_host":"smtp.acme.test","imap_host":"imap.acme.test"}`))
	require.NoError(t, err)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, "mandatory", cfg.TLS)
	assert.Equal(t, "30s", timeout.String())

	_, _, err = parseConfig(json.RawMessage(`{}`))
	assert.Error(t, err)

	_, _, err = parseConfig(json.RawMessage(`{"smtp_host":"h","timeout":"soon"}`))
	assert.Error(t, err)
}

func TestBuildMessage_SetsMessageID(t *testing.T) {
	m, id, err := buildMessage("Sales <sales@acme.test>", provider.OutboundMessage{
		To:      "ada@example.com",
		ToName:  "Ada",
		Subject: "Hello",
		Body:    "Hi Ada",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@acme.test>"))

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Message-ID: "+id)
	assert.Contains(t, raw, "Subject: Hello")
}

func TestBuildMessage_InvalidRecipient(t *testing.T) {
	_, _, err := buildMessage("sales@acme.test", provider.OutboundMessage{To: "not an address"})
	assert.Error(t, err)
}

func TestParseInboundID(t *testing.T) {
	v, u, err := parseInboundID("17:4021")
	require.NoError(t, err)
	assert.Equal(t, uint32(17), v)
	assert.Equal(t, uint32(4021), u)

	_, _, err = parseInboundID("4021")
	assert.Error(t, err)
	_, _, err = parseInboundID("x:1")
	assert.Error(t, err)
}

func TestNew_UsesMailboxAddressAsUsername(t *testing.T) {
	c, err := New(model.Mailbox{
		ID:         3,
		Address:    "sales@acme.test",
		SenderType: model.SenderSMTP,
		Config:     json.RawMessage(`{"smtp_host":"smtp.acme.test","imap_host":"imap.acme.test","password":"pw"}`),
	})
	require.NoError(t, err)
	defer c.Close()

	sc := c.(*Client)
	assert.Equal(t, "sales@acme.test", sc.reader.cfg.Username)
	assert.Equal(t, "sales@acme.test", sc.sender.from)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "acme.test", domainOf("Sales <sales@acme.test>"))
	assert.Equal(t, "localhost", domainOf("nobody"))
}

func TestSearchCriteria_IncludesReadMail(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := searchCriteria(since)

	assert.True(t, since.Equal(c.Since))
	assert.NotContains(t, c.WithoutFlags, imap.SeenFlag)
	assert.Empty(t, c.WithFlags)
}
