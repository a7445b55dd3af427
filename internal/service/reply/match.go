package reply

import (
	"net/mail"
	"regexp"
	"strings"

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
)

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|aw|sv|antw|fwd?)\s*:\s*`)

// normalizeMessageID strips angle brackets and lowercases a Message-ID.
func normalizeMessageID(id string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(id), "<>"))
}

// senderAddress extracts the bare address from a From header value.
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return model.NormalizeAddress(addr.Address)
	}
	return model.NormalizeAddress(strings.Trim(from, "<> "))
}

func hasReplyPrefix(subject string) bool {
	return replyPrefix.MatchString(subject)
}

func baseSubject(subject string) string {
	s := subject
	for replyPrefix.MatchString(s) {
		s = replyPrefix.ReplaceAllString(s, "")
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// sentIndex looks up recently sent messages of one mailbox.
type sentIndex struct {
	byMessageID map[string]model.Email
	// newest first
	recent []model.Email
}

func newSentIndex(sent []model.Email) *sentIndex {
	idx := &sentIndex{byMessageID: make(map[string]model.Email, len(sent)), recent: sent}
	for _, e := range sent {
		if id := normalizeMessageID(e.ProviderMessageID); id != "" {
			idx.byMessageID[id] = e
		}
		if id := normalizeMessageID(e.ProviderThreadID); id != "" {
			if _, taken := idx.byMessageID[id]; !taken {
				idx.byMessageID[id] = e
			}
		}
	}
	return idx
}

// byThread walks In-Reply-To, then References from the nearest ancestor back.
func (idx *sentIndex) byThread(msg provider.InboundMessage) (model.Email, string, bool) {
	if e, ok := idx.byMessageID[normalizeMessageID(msg.InReplyTo)]; ok && msg.InReplyTo != "" {
		return e, "in_reply_to", true
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		if e, ok := idx.byMessageID[normalizeMessageID(msg.References[i])]; ok {
			return e, "references", true
		}
	}
	return model.Email{}, "", false
}

// bySubject is the fallback for clients that drop threading headers: a reply
// marker, the same base subject and the sender being the original recipient.
func (idx *sentIndex) bySubject(msg provider.InboundMessage, from string) (model.Email, bool) {
	if !hasReplyPrefix(msg.Subject) {
		return model.Email{}, false
	}
	want := baseSubject(msg.Subject)
	for _, e := range idx.recent {
		if model.NormalizeAddress(e.ToAddress) == from && baseSubject(e.Subject) == want {
			return e, true
		}
	}
	return model.Email{}, false
}

// byBouncedAddress finds the newest message whose recipient address appears
// in a bounce notification body.
func (idx *sentIndex) byBouncedAddress(body string) (model.Email, bool) {
	lower := strings.ToLower(body)
	for _, e := range idx.recent {
		if addr := model.NormalizeAddress(e.ToAddress); addr != "" && strings.Contains(lower, addr) {
			return e, true
		}
	}
	return model.Email{}, false
}
