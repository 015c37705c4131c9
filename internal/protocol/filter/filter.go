package filter

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"lxmf_group/internal/model"
)

// DenyAll in a deny list rejects every message.
const DenyAll = "*"

// Template placeholders of the send prefix and suffix.
const (
	TokenSourceAddress = "!source_address!"
	TokenSourceName    = "!source_name!"
	TokenName          = "!name!"
	TokenDisplayName   = "!display_name!"
	TokenNewline       = "!n!"
)

type Reason int

const (
	ReasonSignature Reason = iota + 1
	ReasonDenyTitle
	ReasonDenyContent
	ReasonDenyFields
	ReasonEmpty
	ReasonUnknownSender
	ReasonReceiveLength
	ReasonSendNotAllowed
	ReasonSendLength
)

type (
	// Lookup resolves a sender to its permission entry.
	Lookup interface {
		Lookup(addr model.PeerAddress) (model.Member, bool)
	}

	// Rejection is returned for every policy drop. It is logged, never sent
	// back to the sender.
	Rejection struct {
		Reason Reason
	}

	Result struct {
		Sender model.Member
		Draft  model.Draft
	}

	Pipeline struct {
		cfg atomic.Pointer[Config]
		now func() time.Time
	}
)

func New(cfg *Config) *Pipeline {
	p := &Pipeline{now: time.Now}
	p.Apply(cfg)
	return p
}

// Apply swaps the filter configuration. Passes already running keep the
// configuration they started with.
func (p *Pipeline) Apply(cfg *Config) {
	if cfg == nil {
		cfg = &Config{}
	}
	p.cfg.Store(cfg)
}

func (p *Pipeline) Config() *Config {
	return p.cfg.Load()
}

// Admit runs the deny gate and, for senders with send rights, the send
// transform. The order of the checks is part of the observable behaviour.
func (p *Pipeline) Admit(msg *model.InboundMessage, dir Lookup) (*Result, error) {
	cfg := p.cfg.Load()

	if cfg.RequireSignature && !msg.SignatureValidated {
		return nil, reject(ReasonSignature)
	}

	title := strings.TrimSpace(msg.Title)
	if denied(cfg.DenyTitle, title) {
		return nil, reject(ReasonDenyTitle)
	}

	content := strings.TrimSpace(msg.Content)
	if denied(cfg.DenyContent, content) {
		return nil, reject(ReasonDenyContent)
	}

	if msg.Fields.Len() > 0 && deniedFields(cfg.DenyFields, msg.Fields) {
		return nil, reject(ReasonDenyFields)
	}

	if !cfg.Title {
		title = ""
	}

	if !(cfg.Fields && msg.Fields.Len() > 0) && content == "" {
		return nil, reject(ReasonEmpty)
	}

	sender, ok := dir.Lookup(msg.Source)
	if !ok {
		return nil, reject(ReasonUnknownSender)
	}

	if !withinBounds(content, cfg.ReceiveLengthMin, cfg.ReceiveLengthMax) {
		return nil, reject(ReasonReceiveLength)
	}

	if !sender.Group.CanSend() {
		return nil, reject(ReasonSendNotAllowed)
	}

	if !withinBounds(content, cfg.SendLengthMin, cfg.SendLengthMax) {
		return nil, reject(ReasonSendLength)
	}

	vars := strings.NewReplacer(
		TokenSourceAddress, msg.Source.Hex(),
		TokenSourceName, sender.DisplayName,
		TokenName, cfg.Name,
		TokenDisplayName, cfg.DisplayName,
		TokenNewline, "\n",
	)
	prefix := vars.Replace(cfg.SendPrefix)
	suffix := vars.Replace(cfg.SendSuffix)

	if cfg.SendSearch != "" {
		content = strings.ReplaceAll(content, cfg.SendSearch, cfg.SendReplace)
	}
	if cfg.SendRegex != nil {
		content = cfg.SendRegex.ReplaceAllString(content, cfg.SendRegexReplace)
	}

	ts := msg.Timestamp
	if cfg.ServerTimestamp || ts.IsZero() {
		ts = p.now()
	}

	return &Result{
		Sender: sender,
		Draft: model.Draft{
			Title:     title,
			Content:   prefix + content + suffix,
			Fields:    msg.Fields,
			Timestamp: ts,
		},
	}, nil
}

func denied(denys []string, text string) bool {
	for _, deny := range denys {
		if deny == DenyAll {
			return true
		}
	}
	for _, deny := range denys {
		if deny != "" && strings.Contains(text, deny) {
			return true
		}
	}
	return false
}

func deniedFields(denys []string, fields model.Fields) bool {
	for _, deny := range denys {
		if deny == DenyAll {
			return true
		}
	}
	for _, deny := range denys {
		if deny != "" && fields.Has(deny) {
			return true
		}
	}
	return false
}

// withinBounds counts characters, not bytes. Zero disables a bound.
func withinBounds(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	if lo > 0 && n < lo {
		return false
	}
	if hi > 0 && n > hi {
		return false
	}
	return true
}

func reject(r Reason) error {
	return &Rejection{Reason: r}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("message rejected: %s", r.Reason)
}

func (r Reason) String() string {
	switch r {
	case ReasonSignature:
		return "no valid signature"
	case ReasonDenyTitle:
		return "title denied"
	case ReasonDenyContent:
		return "content denied"
	case ReasonDenyFields:
		return "fields denied"
	case ReasonEmpty:
		return "nothing to forward"
	case ReasonUnknownSender:
		return "source not exist"
	case ReasonReceiveLength:
		return "receive length out of bounds"
	case ReasonSendNotAllowed:
		return "'send' not allowed"
	case ReasonSendLength:
		return "send length out of bounds"
	default:
		return "unknown"
	}
}
