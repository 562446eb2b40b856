package connection

import (
	"context"
	"time"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// ACMClose says when an idle connection is closed.
type ACMClose int

const (
	CloseOff ACMClose = iota
	CloseOnIdle
	CloseOnInvocation
	CloseOnInvocationAndIdle
	CloseOnIdleForceful
)

// ACMHeartbeat says when heartbeats are sent.
type ACMHeartbeat int

const (
	HeartbeatOff ACMHeartbeat = iota
	HeartbeatOnDispatch
	HeartbeatOnIdle
	HeartbeatAlways
)

// ACM is the active connection management policy. A zero Timeout disables
// the monitor.
type ACM struct {
	Timeout   time.Duration
	Close     ACMClose
	Heartbeat ACMHeartbeat
}

// DefaultACM is used when the configuration does not say otherwise.
var DefaultACM = ACM{Timeout: 60 * time.Second, Close: CloseOnInvocationAndIdle, Heartbeat: HeartbeatOnDispatch}

// monitor runs the ACM checks every half timeout until the connection ends.
func (c *Connection) monitor() {
	t := c.opts.Clock.Ticker(c.opts.ACM.Timeout / 2)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.checkACM()
		}
	}
}

type acmAction int

const (
	acmNone acmAction = iota
	acmClose
	acmAbort
)

func (c *Connection) checkACM() {
	acm := c.opts.ACM
	now := c.opts.Clock.Now()

	c.lock.Lock()
	if c.state != StateActive {
		c.lock.Unlock()
		return
	}
	idle := now.Sub(c.lastActivity)
	heartbeat := false
	if acm.Heartbeat == HeartbeatAlways ||
		acm.Heartbeat != HeartbeatOff && idle >= acm.Timeout/4 {
		heartbeat = acm.Heartbeat != HeartbeatOnDispatch || c.dispatches > 0
	}
	action := acmNone
	if acm.Close != CloseOff && idle >= acm.Timeout {
		if acm.Close == CloseOnIdleForceful || acm.Close != CloseOnIdle && len(c.pending) > 0 {
			action = acmAbort
		} else if acm.Close != CloseOnInvocation && c.dispatches == 0 && len(c.pending) == 0 {
			action = acmClose
		}
	}
	c.lock.Unlock()

	switch action {
	case acmAbort:
		c.fail(rpcerr.New(rpcerr.ConnectionTimeout, "no activity for %v", idle))
		return
	case acmClose:
		c.traceNetwork("closing idle connection")
		go c.Close(context.Background())
		return
	}
	if heartbeat {
		c.traceProtocol("sending heartbeat")
		if err := c.write(protocol.ValidateConnectionMessage()); err != nil {
			c.fail(err)
		}
	}
}
