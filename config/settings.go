package config

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/sirupsen/logrus"
)

// known lists the Ice.* properties; anything else under Ice. is rejected.
var known = map[string]bool{
	ConfigProperty:                     true,
	"Ice.RetryIntervals":               true,
	"Ice.MessageSizeMax":               true,
	"Ice.BatchAutoFlushSize":           true,
	"Ice.Default.Timeout":              true,
	"Ice.Default.Host":                 true,
	"Ice.Default.Locator":              true,
	"Ice.Default.Router":               true,
	"Ice.Default.EncodingVersion":      true,
	"Ice.Default.Protocol":             true,
	"Ice.Default.EndpointSelection":    true,
	"Ice.Default.LocatorCacheTimeout":  true,
	"Ice.Default.InvocationTimeout":    true,
	"Ice.Default.PreferSecure":         true,
	"Ice.CacheConnection":              true,
	"Ice.ACM.Client.Timeout":           true,
	"Ice.ACM.Client.Close":             true,
	"Ice.ACM.Client.Heartbeat":         true,
	"Ice.ACM.Server.Timeout":           true,
	"Ice.ACM.Server.Close":             true,
	"Ice.ACM.Server.Heartbeat":         true,
	"Ice.Override.Compress":            true,
	"Ice.Override.Timeout":             true,
	"Ice.Override.ConnectTimeout":      true,
	"Ice.Override.CloseTimeout":        true,
	"Ice.Compression.Level":            true,
	"Ice.Trace.Network":                true,
	"Ice.Trace.Protocol":               true,
	"Ice.Trace.Locator":                true,
	"Ice.Trace.Retry":                  true,
	"Ice.LocatorCacheSize":             true,
	"Ice.ProgramName":                  true,
	"Ice.Warn.Connections":             true,
	"Ice.Default.CollocationOptimized": true,
}

// deprecated maps old names to their replacement.
var deprecated = map[string]string{
	"Ice.ACM.Client": "Ice.ACM.Client.Timeout",
	"Ice.ACM.Server": "Ice.ACM.Server.Timeout",
}

// Settings is the validated form of the Ice.* properties.
type Settings struct {
	RetryIntervals []int
	// MessageSizeMax and BatchAutoFlushSize are in bytes, 0 for no limit.
	MessageSizeMax     int
	BatchAutoFlushSize int

	References     reference.Defaults
	DefaultLocator string
	DefaultRouter  string

	ClientACM connection.ACM
	ServerACM connection.ACM

	OverrideCompress       *bool
	OverrideTimeout        *int32
	OverrideConnectTimeout time.Duration
	OverrideCloseTimeout   time.Duration
	CompressionLevel       int

	TraceNetwork  int
	TraceProtocol int
	TraceLocator  int
	TraceRetry    int

	LocatorCacheSize int
}

// settingsReader collects the first error while reading properties.
type settingsReader struct {
	p   *Properties
	err error
}

func (r *settingsReader) int(name string, def int) int {
	v, err := r.p.GetInt(name, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *settingsReader) bool(name string, def bool) bool {
	v, err := r.p.GetBool(name, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *settingsReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// NewSettings validates p. Deprecated names are copied to their
// replacement with a warning; unknown Ice.* names and unparsable values
// fail.
func NewSettings(p *Properties, logger *logrus.Entry) (*Settings, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		logger = logrus.NewEntry(l)
	}
	for old, name := range deprecated {
		if v := p.Get(old); v != "" {
			logger.Warnf("deprecated property: %s is deprecated, use %s instead", old, name)
			if !p.has(name) {
				p.Set(name, v)
			}
		}
	}
	for _, name := range p.Names() {
		if !strings.HasPrefix(name, "Ice.") || known[name] {
			continue
		}
		if _, ok := deprecated[name]; ok {
			continue
		}
		return nil, rpcerr.New(rpcerr.Initialization, "unknown property %s", name)
	}

	r := &settingsReader{p: p}
	s := &Settings{
		MessageSizeMax:     r.int("Ice.MessageSizeMax", 1024) * 1024,
		BatchAutoFlushSize: r.int("Ice.BatchAutoFlushSize", 1024) * 1024,
		DefaultLocator:     p.Get("Ice.Default.Locator"),
		DefaultRouter:      p.Get("Ice.Default.Router"),
		CompressionLevel:   r.int("Ice.Compression.Level", 1),
		TraceNetwork:       r.int("Ice.Trace.Network", 0),
		TraceProtocol:      r.int("Ice.Trace.Protocol", 0),
		TraceLocator:       r.int("Ice.Trace.Locator", 0),
		TraceRetry:         r.int("Ice.Trace.Retry", 0),
		LocatorCacheSize:   r.int("Ice.LocatorCacheSize", 1024),
	}
	intervals, err := p.GetIntList("Ice.RetryIntervals", []int{0})
	r.fail(err)
	s.RetryIntervals = intervals
	if s.MessageSizeMax < 0 || s.BatchAutoFlushSize < 0 {
		r.fail(rpcerr.New(rpcerr.Initialization, "size limits must not be negative"))
	}
	if s.CompressionLevel < 1 || s.CompressionLevel > 9 {
		r.fail(invalid("Ice.Compression.Level", p.Get("Ice.Compression.Level"), "between 1 and 9"))
	}

	d := reference.DefaultDefaults
	d.Endpoint = endpoint.Defaults{
		Protocol: p.GetWithDefault("Ice.Default.Protocol", "tcp"),
		Host:     p.Get("Ice.Default.Host"),
		Timeout:  int32(r.int("Ice.Default.Timeout", 60000)),
	}
	if d.Endpoint.Timeout < 1 && d.Endpoint.Timeout != endpoint.InfiniteTimeout {
		r.fail(invalid("Ice.Default.Timeout", p.Get("Ice.Default.Timeout"), "a positive timeout or -1"))
	}
	if v := p.Get("Ice.Default.EncodingVersion"); v != "" {
		enc, err := protocol.ParseEncodingVersion(v)
		if err != nil {
			r.fail(invalid("Ice.Default.EncodingVersion", v, "an encoding version"))
		}
		d.Encoding = enc
	}
	if v := p.Get("Ice.Default.EndpointSelection"); v != "" {
		sel, err := reference.ParseEndpointSelection(v)
		if err != nil {
			r.fail(invalid("Ice.Default.EndpointSelection", v, "Random or Ordered"))
		}
		d.EndpointSelection = sel
	}
	d.LocatorCacheTimeout = r.int("Ice.Default.LocatorCacheTimeout", -1)
	d.InvocationTimeout = r.int("Ice.Default.InvocationTimeout", -1)
	d.PreferSecure = r.bool("Ice.Default.PreferSecure", false)
	d.CacheConnection = r.bool("Ice.CacheConnection", true)
	s.References = d

	s.ClientACM = readACM(r, "Ice.ACM.Client", connection.DefaultACM)
	s.ServerACM = readACM(r, "Ice.ACM.Server", connection.DefaultACM)

	if p.has("Ice.Override.Compress") {
		v := r.bool("Ice.Override.Compress", false)
		s.OverrideCompress = &v
	}
	if p.has("Ice.Override.Timeout") {
		v := int32(r.int("Ice.Override.Timeout", -1))
		s.OverrideTimeout = &v
	}
	if v := r.int("Ice.Override.ConnectTimeout", -1); v > 0 {
		s.OverrideConnectTimeout = time.Duration(v) * time.Millisecond
	}
	if v := r.int("Ice.Override.CloseTimeout", -1); v > 0 {
		s.OverrideCloseTimeout = time.Duration(v) * time.Millisecond
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

func readACM(r *settingsReader, prefix string, def connection.ACM) connection.ACM {
	acm := def
	acm.Timeout = time.Duration(r.int(prefix+".Timeout", int(def.Timeout/time.Second))) * time.Second
	acm.Close = connection.ACMClose(r.int(prefix+".Close", int(def.Close)))
	acm.Heartbeat = connection.ACMHeartbeat(r.int(prefix+".Heartbeat", int(def.Heartbeat)))
	if acm.Timeout < 0 || acm.Close < connection.CloseOff || acm.Close > connection.CloseOnIdleForceful ||
		acm.Heartbeat < connection.HeartbeatOff || acm.Heartbeat > connection.HeartbeatAlways {
		r.fail(rpcerr.New(rpcerr.Initialization, "invalid %s settings", prefix))
	}
	return acm
}

// Adapter holds the properties of a named object adapter.
type Adapter struct {
	Name               string
	Endpoints          string
	PublishedEndpoints string
	AdapterID          string
	Locator            string
}

func (p *Properties) Adapter(name string) Adapter {
	return Adapter{
		Name:               name,
		Endpoints:          p.Get(name + ".Endpoints"),
		PublishedEndpoints: p.Get(name + ".PublishedEndpoints"),
		AdapterID:          p.Get(name + ".AdapterId"),
		Locator:            p.Get(name + ".Locator"),
	}
}
