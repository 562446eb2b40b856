package reference

import (
	"strings"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// String returns the proxy string, e.g.
// `foo -t -e 1.1:tcp -h 127.0.0.1 -p 4061 -t 60000`. Options that are not
// part of the grammar, such as the locator, are left out.
func (r *Reference) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	id := r.identity.String()
	if strings.ContainsAny(id, " \t\r\n:@") {
		id = `"` + id + `"`
	}
	b.WriteString(id)
	if r.facet != "" {
		b.WriteString(" -f ")
		b.WriteString(endpoint.Quote(r.facet))
	}
	b.WriteString(" ")
	b.WriteString(r.mode.flag())
	if r.secure {
		b.WriteString(" -s")
	}
	if r.protocol != protocol.Protocol_1_0 {
		b.WriteString(" -p ")
		b.WriteString(r.protocol.String())
	}
	b.WriteString(" -e ")
	b.WriteString(r.encoding.String())
	if r.fixed != nil {
		return b.String()
	}
	for _, e := range r.endpoints {
		b.WriteString(":")
		b.WriteString(e.String())
	}
	if len(r.endpoints) == 0 && r.adapterID != "" {
		b.WriteString(" @ ")
		b.WriteString(endpoint.Quote(r.adapterID))
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isDelim(c byte) bool {
	return isSpace(c) || c == ':' || c == '@'
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

// scanWord reads up to the next white space, ':' or '@'.
func scanWord(s string, i int) (string, int) {
	j := i
	for j < len(s) && !isDelim(s[j]) {
		j++
	}
	return s[i:j], j
}

// scanQuoted reads a quoted string starting at s[i]. With raw set,
// backslash escapes are kept for a later unescape pass.
func scanQuoted(s string, i int, raw bool) (string, int, error) {
	q := s[i]
	var b strings.Builder
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		if c == '\\' && j+1 < len(s) && (raw || s[j+1] == q) {
			if raw {
				b.WriteByte(c)
			}
			b.WriteByte(s[j+1])
			j++
			continue
		}
		if c == q {
			return b.String(), j + 1, nil
		}
		b.WriteByte(c)
	}
	return "", len(s), rpcerr.New(rpcerr.ProxyParse, "mismatched quotes in %q", s)
}

// scanArg reads a quoted string or a word.
func scanArg(s string, i int) (string, int, error) {
	if s[i] == '"' || s[i] == '\'' {
		return scanQuoted(s, i, false)
	}
	w, j := scanWord(s, i)
	return w, j, nil
}

// parsed is the result of reading a proxy string before defaults apply.
type parsed struct {
	identity  protocol.Identity
	facet     string
	mode      Mode
	secure    bool
	protocol  *protocol.ProtocolVersion
	encoding  *protocol.EncodingVersion
	endpoints []endpoint.Endpoint
	adapterID string
}

func parseString(s string, d endpoint.Defaults) (*parsed, error) {
	s = strings.TrimSpace(s)
	p := &parsed{mode: Twoway}

	var idStr string
	var i int
	var err error
	if s[0] == '"' || s[0] == '\'' {
		if idStr, i, err = scanQuoted(s, 0, true); err != nil {
			return nil, err
		}
		if i < len(s) && !isDelim(s[i]) {
			return nil, rpcerr.New(rpcerr.ProxyParse, "missing delimiter after quoted identity in %q", s)
		}
	} else {
		idStr, i = scanWord(s, 0)
	}
	if p.identity, err = protocol.ParseIdentity(idStr); err != nil {
		return nil, rpcerr.Wrap(rpcerr.IdentityParse, err, "in proxy %q", s)
	}

	for {
		i = skipSpace(s, i)
		if i >= len(s) || s[i] == ':' || s[i] == '@' {
			break
		}
		var opt string
		opt, i = scanWord(s, i)
		if len(opt) != 2 || opt[0] != '-' {
			return nil, rpcerr.New(rpcerr.ProxyParse, "expected a proxy option but found %q in %q", opt, s)
		}
		arg, hasArg := "", false
		if j := skipSpace(s, i); j < len(s) && s[j] != '-' && s[j] != ':' && s[j] != '@' {
			if arg, i, err = scanArg(s, j); err != nil {
				return nil, err
			}
			hasArg = true
		}
		switch opt[1] {
		case 'f', 'e', 'p':
			if !hasArg {
				return nil, rpcerr.New(rpcerr.ProxyParse, "no argument provided for %s option in %q", opt, s)
			}
		case 't', 'o', 'O', 'd', 'D', 's':
			if hasArg {
				return nil, rpcerr.New(rpcerr.ProxyParse, "unexpected argument %q for %s option in %q", arg, opt, s)
			}
		default:
			return nil, rpcerr.New(rpcerr.ProxyParse, "unknown option %s in %q", opt, s)
		}
		switch opt[1] {
		case 'f':
			p.facet = arg
		case 't':
			p.mode = Twoway
		case 'o':
			p.mode = Oneway
		case 'O':
			p.mode = BatchOneway
		case 'd':
			p.mode = Datagram
		case 'D':
			p.mode = BatchDatagram
		case 's':
			p.secure = true
		case 'e':
			v, err := protocol.ParseEncodingVersion(arg)
			if err != nil {
				return nil, rpcerr.Wrap(rpcerr.ProxyParse, err, "invalid encoding in %q", s)
			}
			p.encoding = &v
		case 'p':
			v, err := protocol.ParseProtocolVersion(arg)
			if err != nil {
				return nil, rpcerr.Wrap(rpcerr.ProxyParse, err, "invalid protocol in %q", s)
			}
			p.protocol = &v
		}
	}

	if i >= len(s) {
		return p, nil
	}
	if s[i] == ':' {
		parts, err := endpoint.SplitList(s[i+1:])
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.ProxyParse, err, "in %q", s)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				return nil, rpcerr.New(rpcerr.ProxyParse, "empty endpoint in %q", s)
			}
			e, err := endpoint.Parse(part, d)
			if err != nil {
				return nil, err
			}
			p.endpoints = append(p.endpoints, e)
		}
		return p, nil
	}

	// '@' adapter id
	i = skipSpace(s, i+1)
	if i >= len(s) {
		return nil, rpcerr.New(rpcerr.ProxyParse, "missing adapter id in %q", s)
	}
	if p.adapterID, i, err = scanArg(s, i); err != nil {
		return nil, err
	}
	if skipSpace(s, i) != len(s) {
		return nil, rpcerr.New(rpcerr.ProxyParse, "unexpected characters after adapter id in %q", s)
	}
	if p.adapterID == "" {
		return nil, rpcerr.New(rpcerr.ProxyParse, "empty adapter id in %q", s)
	}
	return p, nil
}
