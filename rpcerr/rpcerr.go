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

// Package rpcerr holds the two error taxonomies of the runtime: local errors,
// which never cross the wire, and dispatch errors, which travel as a reply
// status. User errors declared by operations are registered here as well.
package rpcerr

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Kind classifies a LocalError.
type Kind int

const (
	ConnectFailed Kind = iota
	ConnectionRefused
	ConnectTimeout
	ConnectionLost
	// ConnectionAborted is a forced close requested by the application.
	ConnectionAborted
	// CloseConnection is a graceful close initiated by the peer.
	CloseConnection
	// ConnectionTimeout is an ACM idle or heartbeat timeout.
	ConnectionTimeout
	CloseTimeout
	InvocationTimeout
	InvocationCanceled
	CommunicatorDestroyed
	ObjectAdapterDeactivated
	TwowayOnly
	FixedProxy
	NoEndpoint
	NotRegistered
	AlreadyRegistered
	IllegalIdentity
	IdentityParse
	ProxyParse
	EndpointParse
	FeatureNotSupported
	Socket
	Initialization
)

var kindNames = map[Kind]string{
	ConnectFailed:            "connect failed",
	ConnectionRefused:        "connection refused",
	ConnectTimeout:           "connect timeout",
	ConnectionLost:           "connection lost",
	ConnectionAborted:        "connection aborted",
	CloseConnection:          "connection closed by peer",
	ConnectionTimeout:        "connection timeout",
	CloseTimeout:             "close timeout",
	InvocationTimeout:        "invocation timeout",
	InvocationCanceled:       "invocation canceled",
	CommunicatorDestroyed:    "communicator destroyed",
	ObjectAdapterDeactivated: "object adapter deactivated",
	TwowayOnly:               "operation requires a twoway proxy",
	FixedProxy:               "fixed proxy",
	NoEndpoint:               "no suitable endpoint",
	NotRegistered:            "not registered",
	AlreadyRegistered:        "already registered",
	IllegalIdentity:          "illegal identity",
	IdentityParse:            "identity parse error",
	ProxyParse:               "proxy parse error",
	EndpointParse:            "endpoint parse error",
	FeatureNotSupported:      "feature not supported",
	Socket:                   "socket error",
	Initialization:           "initialization error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "local error(" + strconv.Itoa(int(k)) + ")"
}

// LocalError is raised and consumed on one side of a connection only.
type LocalError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *LocalError) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// New returns a LocalError of the given kind.
func New(kind Kind, format string, args ...interface{}) *LocalError {
	return &LocalError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap returns a LocalError of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *LocalError {
	return &LocalError{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first LocalError in err's chain.
func KindOf(err error) (Kind, bool) {
	var le *LocalError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// Is reports whether err's chain holds a LocalError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
