package functests

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/shell"
	"github.com/pkg/errors"
)

const caseTimeout = 10 * time.Second

func echoProxy(sl *shell.Local, adapterID string) (*communicator.Proxy, error) {
	return sl.Client().StringToProxy("echo @ " + adapterID)
}

func checkEcho(ctx context.Context, p *communicator.Proxy, msg string) error {
	got, err := shell.Say(ctx, p, msg)
	if err != nil {
		return err
	}
	if got != msg {
		return errors.Errorf("echo through %v returned %q, expected %q", p, got, msg)
	}
	return nil
}

func caseEchoThroughLocator() error {
	sl, err := shell.RunLocally(3)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
	defer cancel()
	for _, id := range sl.ServerIDs() {
		p, err := echoProxy(sl, id)
		if err != nil {
			return err
		}
		if err := checkEcho(ctx, p, "hello "+id); err != nil {
			return err
		}
		name, err := shell.WhoAmI(ctx, p)
		if err != nil {
			return err
		}
		if name != id {
			return errors.Errorf("proxy for %v reached %v", id, name)
		}
		fmt.Printf("%v answered\n", id)
	}
	return nil
}

func caseStaleLocatorCache() error {
	sl, err := shell.RunLocally(2)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
	defer cancel()
	p, err := echoProxy(sl, "server-0")
	if err != nil {
		return err
	}
	if err := checkEcho(ctx, p, "before"); err != nil {
		return err
	}
	if err := sl.RestartServer("server-0"); err != nil {
		return err
	}
	if err := checkEcho(ctx, p, "after"); err != nil {
		return errors.Wrap(err, "cached endpoints were not refreshed")
	}
	if n := sl.Network().Dials("server-0.1"); n != 1 {
		return errors.Errorf("expected one connect to the new endpoint, got %v", n)
	}
	return nil
}

func caseBatchFlush() error {
	sl, err := shell.RunLocally(1)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
	defer cancel()
	p, err := echoProxy(sl, "server-0")
	if err != nil {
		return err
	}
	batch := p.BatchOneway()
	const n = 5
	for i := 0; i < n; i++ {
		if _, err := shell.Say(ctx, batch, fmt.Sprint(i)); err != nil {
			return err
		}
	}
	if calls, _ := sl.Calls("server-0"); calls != 0 {
		return errors.Errorf("%v batched requests were dispatched before the flush", calls)
	}
	if err := batch.FlushBatchRequests(ctx); err != nil {
		return err
	}
	// dispatch on a connection is serial, the ping reply comes last
	if err := p.Ping(ctx); err != nil {
		return err
	}
	if calls, _ := sl.Calls("server-0"); calls != n {
		return errors.Errorf("expected %v dispatched requests, got %v", n, calls)
	}
	return nil
}

func caseRetryConnectFailures() error {
	sl, err := shell.RunLocally(1)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	var failures atomic.Int32
	failures.Store(2)
	sl.Network().SetDialHook(func(ctx context.Context, name string) error {
		if name == "server-0.0" && failures.Add(-1) >= 0 {
			return errors.New("injected connect failure")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
	defer cancel()
	p, err := echoProxy(sl, "server-0")
	if err != nil {
		return err
	}
	if err := checkEcho(ctx, p, "retried"); err != nil {
		return err
	}
	if n := sl.Network().Dials("server-0.0"); n != 3 {
		return errors.Errorf("expected 3 connects, got %v", n)
	}
	return nil
}

func caseUnregisteredAdapter() error {
	sl, err := shell.RunLocally(2)
	if err != nil {
		return err
	}
	defer sl.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), caseTimeout)
	defer cancel()
	if err := sl.ShutDownServer("server-1"); err != nil {
		return err
	}
	p, err := echoProxy(sl, "server-1")
	if err != nil {
		return err
	}
	err = checkEcho(ctx, p, "lost")
	if !rpcerr.Is(err, rpcerr.NotRegistered) {
		return errors.Errorf("expected a not registered error, got %v", err)
	}
	p, err = echoProxy(sl, "server-0")
	if err != nil {
		return err
	}
	return checkEcho(ctx, p, "still here")
}
