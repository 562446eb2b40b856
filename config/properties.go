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

// Package config holds the string properties a communicator is configured
// with and turns them into typed settings.
//
// Properties come from a JSON file of name/value pairs and from
// --Name=Value command line arguments, the latter taking precedence.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/utils"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// ConfigProperty names the file loaded by ParseArgs.
const ConfigProperty = "Ice.Config"

type Properties struct {
	lock  deadlock.RWMutex
	props map[string]string
}

func NewProperties() *Properties {
	return &Properties{props: make(map[string]string)}
}

// Load reads a JSON object from path. Strings are kept as they are,
// numbers and booleans are formatted and arrays are joined with spaces.
func (p *Properties) Load(path string) error {
	var raw map[string]interface{}
	if err := utils.ReadFromJSON(&raw, path); err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	for k, v := range raw {
		s, err := format(v)
		if err != nil {
			return errors.Wrapf(err, "property %s in %s", k, path)
		}
		p.props[k] = s
	}
	return nil
}

func format(v interface{}) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			s, err := format(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	case nil:
		return "", nil
	}
	return "", errors.Errorf("unsupported value %v", v)
}

// ParseArgs takes the --Name=Value arguments out of args and returns the
// others. A name must contain a dot; --Name alone sets the value 1. The
// file named by --Ice.Config is loaded first so that the other arguments
// override it.
func (p *Properties) ParseArgs(args []string) ([]string, error) {
	var rest []string
	parsed := make(map[string]string)
	var order []string
	for _, arg := range args {
		name, value, ok := parseArg(arg)
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if _, seen := parsed[name]; !seen {
			order = append(order, name)
		}
		parsed[name] = value
	}
	if path, ok := parsed[ConfigProperty]; ok && path != "" {
		if err := p.Load(path); err != nil {
			return nil, err
		}
	}
	for _, name := range order {
		p.Set(name, parsed[name])
	}
	return rest, nil
}

func parseArg(arg string) (string, string, bool) {
	if !strings.HasPrefix(arg, "--") {
		return "", "", false
	}
	arg = arg[2:]
	name, value := arg, "1"
	if i := strings.IndexByte(arg, '='); i >= 0 {
		name, value = arg[:i], arg[i+1:]
	}
	if !strings.Contains(name, ".") || strings.HasPrefix(name, ".") {
		return "", "", false
	}
	return name, value, true
}

func (p *Properties) Set(name, value string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if value == "" {
		delete(p.props, name)
		return
	}
	p.props[name] = value
}

func (p *Properties) Get(name string) string {
	return p.GetWithDefault(name, "")
}

func (p *Properties) GetWithDefault(name, def string) string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if v, ok := p.props[name]; ok {
		return v
	}
	return def
}

func (p *Properties) has(name string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	_, ok := p.props[name]
	return ok
}

// GetInt parses the property as an integer, def when unset.
func (p *Properties) GetInt(name string, def int) (int, error) {
	v := strings.TrimSpace(p.Get(name))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(name, v, "an integer")
	}
	return i, nil
}

// GetIntList parses a list of integers separated by spaces or commas.
func (p *Properties) GetIntList(name string, def []int) ([]int, error) {
	v := strings.TrimSpace(p.Get(name))
	if v == "" {
		return def, nil
	}
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		i, err := strconv.Atoi(f)
		if err != nil {
			return nil, invalid(name, v, "a list of integers")
		}
		out = append(out, i)
	}
	return out, nil
}

// GetBool accepts 0 and 1 as well as the forms strconv.ParseBool knows.
func (p *Properties) GetBool(name string, def bool) (bool, error) {
	v := strings.TrimSpace(p.Get(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid(name, v, "a boolean")
	}
	return b, nil
}

// WithPrefix returns the properties whose name starts with prefix.
func (p *Properties) WithPrefix(prefix string) map[string]string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	out := make(map[string]string)
	for k, v := range p.props {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Names returns the property names in order.
func (p *Properties) Names() []string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	names := make([]string, 0, len(p.props))
	for k := range p.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Properties) Clone() *Properties {
	p.lock.RLock()
	defer p.lock.RUnlock()
	c := NewProperties()
	for k, v := range p.props {
		c.props[k] = v
	}
	return c
}

func (p *Properties) String() string {
	var b strings.Builder
	for _, name := range p.Names() {
		fmt.Fprintf(&b, "%s=%s\n", name, p.Get(name))
	}
	return b.String()
}

func invalid(name, value, want string) error {
	return rpcerr.New(rpcerr.Initialization, "property %s=%q is not %s", name, value, want)
}
