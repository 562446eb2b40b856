package protocol

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Identity addresses a servant inside an object adapter.
type Identity struct {
	Name     string
	Category string
}

// IsZero reports whether this is the null identity.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Category == ""
}

// String returns the escaped "category/name" form, or just "name" when the
// category is empty.
func (id Identity) String() string {
	if id.Category == "" {
		return escapeIdentityPart(id.Name)
	}
	return escapeIdentityPart(id.Category) + "/" + escapeIdentityPart(id.Name)
}

func escapeIdentityPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '/', '\'', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// ParseIdentity parses the escaped "category/name" form. An empty name is
// rejected.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	slash := -1
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		if s[i] == '\\' {
			escaped = true
			continue
		}
		if s[i] == '/' {
			if slash >= 0 {
				return id, errors.Errorf("unescaped '/' in identity %q", s)
			}
			slash = i
		}
	}
	var err error
	if slash < 0 {
		id.Name, err = unescapeIdentityPart(s)
	} else {
		if id.Category, err = unescapeIdentityPart(s[:slash]); err == nil {
			id.Name, err = unescapeIdentityPart(s[slash+1:])
		}
	}
	if err != nil {
		return Identity{}, errors.Wrapf(err, "invalid identity %q", s)
	}
	if id.Name == "" {
		return Identity{}, errors.Errorf("invalid identity %q: empty name", s)
	}
	return id, nil
}

func unescapeIdentityPart(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errors.New("trailing backslash")
		}
		switch s[i] {
		case '\\', '/', '\'', '"':
			b.WriteByte(s[i])
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			if i+4 >= len(s) {
				return "", errors.New("truncated \\u escape")
			}
			var r rune
			if _, err := fmt.Sscanf(s[i+1:i+5], "%04x", &r); err != nil {
				return "", errors.Wrap(err, "bad \\u escape")
			}
			b.WriteRune(r)
			i += 4
		default:
			return "", errors.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
