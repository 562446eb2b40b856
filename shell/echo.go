package shell

import (
	"context"
	"sync/atomic"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/protocol"
)

const EchoTypeID = "::Demo::Echo"

// Echo is the demo servant: echo returns its argument and whoami returns
// the name of the server.
type Echo struct {
	*communicator.ObjectServant
	name  string
	calls atomic.Int64
}

func NewEcho(name string) *Echo {
	e := &Echo{name: name}
	e.ObjectServant = communicator.NewObjectServant(EchoTypeID, map[string]communicator.Operation{
		"echo": func(ctx context.Context, cur *communicator.Current, in *protocol.InputStream) ([]byte, error) {
			e.calls.Add(1)
			s, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			out := cur.Output()
			out.WriteString(s)
			return out.Bytes(), nil
		},
		"whoami": func(ctx context.Context, cur *communicator.Current, in *protocol.InputStream) ([]byte, error) {
			e.calls.Add(1)
			out := cur.Output()
			out.WriteString(e.name)
			return out.Bytes(), nil
		},
	})
	return e
}

// Calls is the number of echo and whoami requests dispatched.
func (e *Echo) Calls() int64 {
	return e.calls.Load()
}

// Say calls echo on p. Oneway and batch proxies return an empty string.
func Say(ctx context.Context, p *communicator.Proxy, s string) (string, error) {
	in := p.Encode(func(os *protocol.OutputStream) { os.WriteString(s) })
	out, err := p.Invoke(ctx, "echo", protocol.Idempotent, in)
	if err != nil || !p.IsTwoway() {
		return "", err
	}
	return out.Stream().ReadString()
}

// WhoAmI returns the name of the server p reaches.
func WhoAmI(ctx context.Context, p *communicator.Proxy) (string, error) {
	out, err := p.Invoke(ctx, "whoami", protocol.Nonmutating, protocol.EmptyEncaps(p.Encoding()))
	if err != nil {
		return "", err
	}
	return out.Stream().ReadString()
}
