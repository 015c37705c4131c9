package model

import "strings"

type Group int

const (
	GroupNone Group = iota
	GroupSend
	GroupReceive
	GroupSendReceive
	GroupAny
)

// Section names used by the permission store.
const (
	SectionSend        = "send"
	SectionReceive     = "receive"
	SectionReceiveSend = "receive_send"
)

// WildcardKeys admit any sender when present in a send-capable section.
var WildcardKeys = []string{"any", "all", "anybody"}

type (
	// Member is one permission entry of the directory.
	Member struct {
		Key         string      `json:"key"`
		Address     PeerAddress `json:"address,omitempty"`
		DisplayName string      `json:"name"`
		Group       Group       `json:"group"`
		Wildcard    bool        `json:"wildcard,omitempty"`
	}

	Section struct {
		Name    string   `json:"name"`
		Group   Group    `json:"group"`
		Members []Member `json:"members"`
	}
)

func IsWildcardKey(key string) bool {
	for _, w := range WildcardKeys {
		if key == w {
			return true
		}
	}
	return false
}

// GroupFromSection maps a section name onto its group. Matching is by
// substring, so "receive_send" grants both directions.
func GroupFromSection(name string) Group {
	send := strings.Contains(name, SectionSend)
	recv := strings.Contains(name, SectionReceive)
	switch {
	case send && recv:
		return GroupSendReceive
	case send:
		return GroupSend
	case recv:
		return GroupReceive
	default:
		return GroupNone
	}
}

func (g Group) CanSend() bool {
	return g == GroupSend || g == GroupSendReceive
}

func (g Group) CanReceive() bool {
	return g == GroupReceive || g == GroupSendReceive
}

func (g Group) String() string {
	switch g {
	case GroupSend:
		return "send"
	case GroupReceive:
		return "receive"
	case GroupSendReceive:
		return "receive_send"
	case GroupAny:
		return "any"
	default:
		return "none"
	}
}

func (g Group) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Group) UnmarshalText(text []byte) error {
	switch string(text) {
	case "any":
		*g = GroupAny
	default:
		*g = GroupFromSection(string(text))
	}
	return nil
}

// Clone returns a deep copy so snapshots never share member slices.
func (s Section) Clone() Section {
	out := s
	out.Members = append([]Member(nil), s.Members...)
	return out
}
