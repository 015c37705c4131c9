package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the size in bytes of a truncated destination hash.
const AddressLength = 16

// PeerAddress is a destination hash. The raw bytes are kept in a string so
// addresses compare byte-exact and can key maps.
type PeerAddress string

func AddressFromBytes(b []byte) PeerAddress {
	return PeerAddress(b)
}

// ParseAddress decodes a hex destination hash, optionally written as <hex>.
func ParseAddress(s string) (PeerAddress, error) {
	s = strings.TrimSpace(s)
	if len(s) == AddressLength*2+2 && strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if len(s) != AddressLength*2 {
		return "", fmt.Errorf("address length is invalid: %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("address is invalid: %w", err)
	}
	return PeerAddress(b), nil
}

func (a PeerAddress) Bytes() []byte {
	return []byte(a)
}

func (a PeerAddress) Hex() string {
	return hex.EncodeToString([]byte(a))
}

func (a PeerAddress) IsZero() bool {
	return a == ""
}

func (a PeerAddress) String() string {
	return "<" + a.Hex() + ">"
}

func (a PeerAddress) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *PeerAddress) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = ""
		return nil
	}
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("address is invalid: %w", err)
	}
	*a = PeerAddress(b)
	return nil
}
