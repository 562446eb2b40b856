package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/pkg/errors"
)

// echo accepts one transceiver and copies everything back.
func echo(t *testing.T, l Listener) {
	go func() {
		tr, err := l.Accept()
		if err != nil {
			return
		}
		if err := tr.Initialize(context.Background()); err != nil {
			t.Errorf("server initialize: %v", err)
			return
		}
		buf := make([]byte, 64)
		for {
			n, err := tr.Read(buf)
			if err != nil {
				tr.Close()
				return
			}
			if _, err := tr.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
}

func roundTrip(t *testing.T, r *Registry, l Listener) {
	echo(t, l)
	tr, err := r.Dial(l.Endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer tr.Close()
	msg := bytes.Repeat([]byte("IceP"), 40)
	if _, err := tr.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(tr, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo mismatch: got %q", got)
	}
}

func TestMemNetwork(t *testing.T) {
	n := NewMemNetwork()
	defer n.Shutdown()
	r := NewRegistry(n)
	l, err := r.Listen(endpoint.NewMem("srv", 1000, false))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := r.Listen(endpoint.NewMem("srv", 1000, false)); err == nil {
		t.Errorf("second listener on the same name should fail")
	}
	roundTrip(t, r, l)
	if n.Dials("srv") != 1 {
		t.Errorf("Dials is %d; want 1", n.Dials("srv"))
	}
}

func TestMemRefused(t *testing.T) {
	n := NewMemNetwork()
	tr, _ := n.Dial(endpoint.NewMem("nobody", 1000, false))
	err := tr.Initialize(context.Background())
	if !rpcerr.Is(err, rpcerr.ConnectionRefused) {
		t.Errorf("err is %v; want connection refused", err)
	}
}

func TestMemDialHook(t *testing.T) {
	n := NewMemNetwork()
	n.Listen(endpoint.NewMem("srv", 1000, false))
	n.SetDialHook(func(ctx context.Context, name string) error {
		return errors.New("unplugged")
	})
	tr, _ := n.Dial(endpoint.NewMem("srv", 1000, false))
	if err := tr.Initialize(context.Background()); !rpcerr.Is(err, rpcerr.ConnectFailed) {
		t.Errorf("err is %v; want connect failed", err)
	}

	n.SetDialHook(func(ctx context.Context, name string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	tr, _ = n.Dial(endpoint.NewMem("srv", 1000, false))
	if err := tr.Initialize(ctx); !rpcerr.Is(err, rpcerr.ConnectTimeout) {
		t.Errorf("err is %v; want connect timeout", err)
	}
}

func TestPeerClose(t *testing.T) {
	n := NewMemNetwork()
	l, _ := n.Listen(endpoint.NewMem("srv", 1000, false))
	go func() {
		tr, err := l.Accept()
		if err == nil {
			tr.Close()
		}
	}()
	tr, _ := n.Dial(l.Endpoint())
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, err := tr.Read(make([]byte, 1))
	if !rpcerr.Is(err, rpcerr.ConnectionLost) {
		t.Errorf("err is %v; want connection lost", err)
	}
}

func TestUnsupported(t *testing.T) {
	r := NewRegistry(new(TCPFactory))
	if r.Supports(endpoint.NewMem("x", 1, false)) {
		t.Errorf("tcp registry should not support mem endpoints")
	}
	_, err := r.Dial(endpoint.NewMem("x", 1, false))
	if !rpcerr.Is(err, rpcerr.FeatureNotSupported) {
		t.Errorf("err is %v; want feature not supported", err)
	}
}

func TestTCP(t *testing.T) {
	r := NewDefaultRegistry(nil)
	l, err := r.Listen(endpoint.NewTCP("127.0.0.1", 0, 1000, false))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if l.Endpoint().(*endpoint.IP).Port() == 0 {
		t.Errorf("listener endpoint should carry the bound port")
	}
	roundTrip(t, r, l)
}

func TestTCPRefused(t *testing.T) {
	r := NewDefaultRegistry(nil)
	l, err := r.Listen(endpoint.NewTCP("127.0.0.1", 0, 1000, false))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	e := l.Endpoint()
	l.Close()
	tr, _ := r.Dial(e)
	if err := tr.Initialize(context.Background()); !rpcerr.Is(err, rpcerr.ConnectionRefused) {
		t.Errorf("err is %v; want connection refused", err)
	}
}

func TestWebSocket(t *testing.T) {
	r := NewDefaultRegistry(nil)
	l, err := r.Listen(endpoint.NewWS("127.0.0.1", 0, 1000, false, false, "/ice"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	roundTrip(t, r, l)
}
