/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

// Package endpoint describes transport candidates: how they are written in a
// proxy string, how they travel inside a stream and how they are ordered.
package endpoint

import (
	"strconv"
	"strings"

	"github.com/PwzXxm/ice-lite/protocol"
)

// Type ids as they appear on the wire.
const (
	TCPType     int16 = 1
	SSLType     int16 = 2
	UDPType     int16 = 3
	WSType      int16 = 4
	WSSType     int16 = 5
	MemType     int16 = 100
	UnknownType int16 = -1
)

// InfiniteTimeout disables the endpoint timeout.
const InfiniteTimeout int32 = -1

// Endpoint is one immutable transport candidate. The With* methods return a
// modified copy, or the receiver itself when nothing changes.
type Endpoint interface {
	Type() int16
	Protocol() string
	// Timeout in milliseconds, InfiniteTimeout for none.
	Timeout() int32
	WithTimeout(timeout int32) Endpoint
	Compress() bool
	WithCompress(compress bool) Endpoint
	ConnectionID() string
	WithConnectionID(id string) Endpoint
	Datagram() bool
	Secure() bool
	// Options is the string form without the protocol name.
	Options() string
	String() string
	// Marshal writes the type id followed by an encapsulation.
	Marshal(os *protocol.OutputStream)
	// Compare defines a total order: type first, then transport fields.
	Compare(other Endpoint) int
}

// Equal reports whether a and b are the same endpoint.
func Equal(a, b Endpoint) bool {
	return a.Compare(b) == 0
}

// Key identifies an endpoint for connection reuse, including its
// connection id.
func Key(e Endpoint) string {
	return e.String() + "|" + e.ConnectionID()
}

// Defaults are applied by Parse to options left out of the string.
type Defaults struct {
	Protocol string
	Host     string
	Timeout  int32
}

// DefaultDefaults match an unconfigured communicator.
var DefaultDefaults = Defaults{Protocol: "tcp", Timeout: 60000}

// base holds the options shared by every transport.
type base struct {
	timeout      int32
	compress     bool
	connectionID string
}

func (b base) Timeout() int32 {
	return b.timeout
}

func (b base) Compress() bool {
	return b.compress
}

func (b base) ConnectionID() string {
	return b.connectionID
}

func (b base) options() string {
	var s strings.Builder
	if b.timeout == InfiniteTimeout {
		s.WriteString(" -t infinite")
	} else {
		s.WriteString(" -t ")
		s.WriteString(strconv.Itoa(int(b.timeout)))
	}
	if b.compress {
		s.WriteString(" -z")
	}
	return s.String()
}

func compareBase(a, b base) int {
	if c := compareInt(int(a.timeout), int(b.timeout)); c != 0 {
		return c
	}
	if c := strings.Compare(a.connectionID, b.connectionID); c != 0 {
		return c
	}
	return compareBool(a.compress, b.compress)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// Sort orders endpoints with Compare, stable for equal elements.
func Sort(eps []Endpoint) {
	// insertion sort keeps it stable; endpoint lists are short
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && eps[j].Compare(eps[j-1]) < 0; j-- {
			eps[j], eps[j-1] = eps[j-1], eps[j]
		}
	}
}

// Dedup removes later duplicates, keeping order.
func Dedup(eps []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(eps))
	for _, e := range eps {
		dup := false
		for _, o := range out {
			if Equal(e, o) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}
