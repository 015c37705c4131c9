package filter

import (
	"fmt"
	"regexp"
	"strings"
)

type Config struct {
	RequireSignature bool

	DenyTitle   []string
	DenyContent []string
	DenyFields  []string

	// Title toggles forwarding of the title. Fields decides whether a
	// message carrying only fields is still worth forwarding.
	Title  bool
	Fields bool

	ReceiveLengthMin int
	ReceiveLengthMax int
	SendLengthMin    int
	SendLengthMax    int

	SendPrefix       string
	SendSuffix       string
	SendSearch       string
	SendReplace      string
	SendRegex        *regexp.Regexp
	SendRegexReplace string

	// ServerTimestamp stamps forwarded messages with the relay clock
	// instead of the sender's timestamp.
	ServerTimestamp bool

	Name        string
	DisplayName string
}

// CompileRegex compiles a search pattern and converts its replacement from
// the \1 and \g<name> back-reference syntax used in config files.
func CompileRegex(pattern, replace string) (*regexp.Regexp, string, error) {
	if pattern == "" {
		return nil, "", nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, "", fmt.Errorf("send_regex_search: %w", err)
	}
	return re, ConvertReplacement(replace), nil
}

// ConvertReplacement rewrites \N and \g<name> references into ${N} and
// ${name}, and escapes literal dollar signs.
func ConvertReplacement(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			b.WriteString("$$")
		case c == '\\' && i+1 < len(s):
			next := s[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(s) && s[j] >= '0' && s[j] <= '9' {
					j++
				}
				b.WriteString("${" + s[i+1:j] + "}")
				i = j - 1
			case next == 'g' && i+2 < len(s) && s[i+2] == '<':
				end := strings.IndexByte(s[i+3:], '>')
				if end < 0 {
					b.WriteByte(c)
					continue
				}
				b.WriteString("${" + s[i+3:i+3+end] + "}")
				i = i + 3 + end
			case next == 'n':
				b.WriteByte('\n')
				i++
			case next == 't':
				b.WriteByte('\t')
				i++
			case next == '\\':
				b.WriteByte('\\')
				i++
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
