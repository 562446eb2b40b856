package endpoint

import (
	"encoding/base64"
	"strconv"
	"strings"
	"unicode"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// Parse reads one endpoint from its string form, e.g.
// "tcp -h 127.0.0.1 -p 4061 -t 10000". Missing options come from d.
// A transport name that is not known yields an Unknown endpoint.
func Parse(s string, d Defaults) (Endpoint, error) {
	args, err := SplitArgs(s)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.EndpointParse, err, "%q", s)
	}
	if len(args) == 0 {
		return nil, rpcerr.New(rpcerr.EndpointParse, "empty endpoint")
	}
	name, args := args[0], args[1:]
	if name == "default" {
		name = d.Protocol
		if name == "" {
			name = "tcp"
		}
	}
	switch name {
	case "tcp", "ssl", "udp", "ws", "wss":
		return parseIP(name, args, s, d)
	case "mem":
		return parseMem(args, s, d)
	case "opaque":
		return parseOpaque(args, s)
	}
	return &Unknown{protocol: name, options: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), name))}, nil
}

type optionFn func(opt, arg string) error

// walkOptions calls fn for each option. Options listed in noArg take no
// argument.
func walkOptions(args []string, s string, noArg map[string]bool, fn optionFn) error {
	for i := 0; i < len(args); i++ {
		opt := args[i]
		if !strings.HasPrefix(opt, "-") {
			return rpcerr.New(rpcerr.EndpointParse, "expected an option but found %q in %q", opt, s)
		}
		arg := ""
		if !noArg[opt] {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "-") && args[i+1] != "-1" {
				return rpcerr.New(rpcerr.EndpointParse, "no argument provided for %s option in %q", opt, s)
			}
			i++
			arg = args[i]
		}
		if err := fn(opt, arg); err != nil {
			return err
		}
	}
	return nil
}

func parseTimeout(arg, s string) (int32, error) {
	if arg == "infinite" {
		return InfiniteTimeout, nil
	}
	t, err := strconv.ParseInt(arg, 10, 32)
	if err != nil || t < 1 && t != -1 {
		return 0, rpcerr.New(rpcerr.EndpointParse, "invalid timeout value %q in %q", arg, s)
	}
	return int32(t), nil
}

func parseIP(name string, args []string, s string, d Defaults) (Endpoint, error) {
	a := addr{host: d.Host}
	b := base{timeout: d.Timeout}
	if b.timeout == 0 {
		b.timeout = DefaultDefaults.Timeout
	}
	resource := ""
	seen := map[string]bool{}
	err := walkOptions(args, s, map[string]bool{"-z": true}, func(opt, arg string) error {
		if seen[opt] {
			return rpcerr.New(rpcerr.EndpointParse, "%s option specified more than once in %q", opt, s)
		}
		seen[opt] = true
		switch opt {
		case "-h":
			a.host = arg
			if a.host == "*" {
				a.host = ""
			}
		case "-p":
			p, err := strconv.Atoi(arg)
			if err != nil || p < 0 || p > 65535 {
				return rpcerr.New(rpcerr.EndpointParse, "invalid port value %q in %q", arg, s)
			}
			a.port = p
		case "-t":
			if name == "udp" {
				return rpcerr.New(rpcerr.EndpointParse, "unknown option -t in %q", s)
			}
			t, err := parseTimeout(arg, s)
			if err != nil {
				return err
			}
			b.timeout = t
		case "-z":
			b.compress = true
		case "--sourceAddress":
			a.sourceAddress = arg
		case "-r":
			if name != "ws" && name != "wss" {
				return rpcerr.New(rpcerr.EndpointParse, "unknown option -r in %q", s)
			}
			resource = arg
		default:
			return rpcerr.New(rpcerr.EndpointParse, "unknown option %s in %q", opt, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	switch name {
	case "ws", "wss":
		e := NewWS(a.host, a.port, b.timeout, b.compress, name == "wss", resource)
		e.sourceAddress = a.sourceAddress
		return e, nil
	case "udp":
		e := NewUDP(a.host, a.port, b.compress)
		e.sourceAddress = a.sourceAddress
		return e, nil
	}
	typ := TCPType
	if name == "ssl" {
		typ = SSLType
	}
	return &IP{base: b, addr: a, typ: typ}, nil
}

func parseMem(args []string, s string, d Defaults) (Endpoint, error) {
	e := NewMem("", d.Timeout, false)
	if e.timeout == 0 {
		e.timeout = DefaultDefaults.Timeout
	}
	err := walkOptions(args, s, map[string]bool{"-z": true}, func(opt, arg string) error {
		switch opt {
		case "-h":
			e.name = arg
		case "-t":
			t, err := parseTimeout(arg, s)
			if err != nil {
				return err
			}
			e.timeout = t
		case "-z":
			e.compress = true
		default:
			return rpcerr.New(rpcerr.EndpointParse, "unknown option %s in %q", opt, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.name == "" {
		return nil, rpcerr.New(rpcerr.EndpointParse, "mem endpoint requires -h in %q", s)
	}
	return e, nil
}

func parseOpaque(args []string, s string) (Endpoint, error) {
	typ := -2
	enc := protocol.Encoding_1_0
	var raw []byte
	haveValue := false
	err := walkOptions(args, s, nil, func(opt, arg string) error {
		switch opt {
		case "-t":
			t, err := strconv.ParseInt(arg, 10, 16)
			if err != nil || t < 0 {
				return rpcerr.New(rpcerr.EndpointParse, "invalid type value %q in %q", arg, s)
			}
			typ = int(t)
		case "-e":
			v, err := protocol.ParseEncodingVersion(arg)
			if err != nil {
				return rpcerr.Wrap(rpcerr.EndpointParse, err, "invalid encoding in %q", s)
			}
			enc = v
		case "-v":
			b, err := base64.StdEncoding.DecodeString(arg)
			if err != nil {
				return rpcerr.Wrap(rpcerr.EndpointParse, err, "invalid base64 value in %q", s)
			}
			raw, haveValue = b, true
		default:
			return rpcerr.New(rpcerr.EndpointParse, "unknown option %s in %q", opt, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if typ == -2 {
		return nil, rpcerr.New(rpcerr.EndpointParse, "no -t option in %q", s)
	}
	if !haveValue {
		return nil, rpcerr.New(rpcerr.EndpointParse, "no -v option in %q", s)
	}
	// an opaque form of a known transport is decoded into the real endpoint
	os := protocol.NewOutputStream(enc)
	os.WriteInt16(int16(typ))
	os.WriteEncapsulation(protocol.Encaps{Encoding: enc, Data: raw})
	return Unmarshal(protocol.NewInputStream(enc, os.Bytes()))
}

// Unmarshal reads an endpoint written by Endpoint.Marshal. Unknown type ids
// come back as Opaque endpoints.
func Unmarshal(is *protocol.InputStream) (Endpoint, error) {
	typ, err := is.ReadInt16()
	if err != nil {
		return nil, err
	}
	switch typ {
	case TCPType, SSLType, UDPType, WSType, WSSType, MemType, UnknownType:
	default:
		encaps, err := is.ReadEncapsulation()
		if err != nil {
			return nil, err
		}
		return &Opaque{typ: typ, rawEncoding: encaps.Encoding, raw: encaps.Data}, nil
	}
	if _, err := is.StartEncapsulation(); err != nil {
		return nil, err
	}
	var e Endpoint
	switch typ {
	case TCPType, SSLType, UDPType:
		e, err = unmarshalIP(typ, is)
	case WSType, WSSType:
		e, err = unmarshalWS(typ == WSSType, is)
	case MemType:
		e, err = unmarshalMem(is)
	default:
		e, err = unmarshalUnknown(is)
	}
	if err != nil {
		return nil, err
	}
	if err := is.EndEncapsulation(); err != nil {
		return nil, err
	}
	return e, nil
}

// SplitArgs splits s on white space. Single or double quotes group
// characters into one argument; inside double quotes \" is a literal quote.
func SplitArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inArg := false
	var quote rune
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			if r == '\\' && quote == '"' && i+1 < len(rs) && rs[i+1] == '"' {
				cur.WriteRune('"')
				i++
			} else if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, rpcerr.New(rpcerr.EndpointParse, "mismatched quote in %q", s)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

// Quote wraps s in double quotes when it would not survive SplitArgs or
// the ':' and '@' separators of a proxy string as a single argument, or
// would be read as an option.
func Quote(s string) string {
	if s != "" && s[0] != '-' && !strings.ContainsAny(s, " \t\r\n:@\"'") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// SplitList splits an endpoint list on ':' characters outside quotes.
func SplitList(s string) ([]string, error) {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && quote == '"' && i+1 < len(s) && s[i+1] == '"' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ':':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, rpcerr.New(rpcerr.EndpointParse, "mismatched quote in %q", s)
	}
	return append(parts, s[start:]), nil
}
