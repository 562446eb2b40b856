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

package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PwzXxm/ice-lite/communicator"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/utils"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

const (
	cmdProxy    = "proxy"
	cmdPing     = "ping"
	cmdEcho     = "echo"
	cmdWhoAmI   = "whoami"
	cmdOneway   = "oneway"
	cmdBatch    = "batch"
	cmdFlush    = "flush"
	cmdResolve  = "resolve"
	cmdClear    = "clear"
	cmdServers  = "servers"
	cmdShutdown = "shutdown"
	cmdRestart  = "restart"
	cmdWait     = "wait"
	cmdHelp     = "help"
)

var usageMp = map[string]string{
	cmdProxy:    "[<proxy>]",
	cmdPing:     "",
	cmdEcho:     "<message>",
	cmdWhoAmI:   "",
	cmdOneway:   "<message>",
	cmdBatch:    "<message>",
	cmdFlush:    "",
	cmdResolve:  "",
	cmdClear:    "",
	cmdServers:  "",
	cmdShutdown: "<server_id_1> <server_id_2> ...",
	cmdRestart:  "<server_id_1> <server_id_2> ...",
	cmdWait:     "<seconds>",
	cmdHelp:     "",
}

var (
	errInvalidCommand = errors.New("Invalid command")
	errNoProxy        = errors.New("No proxy selected, use: proxy <proxy>")
	errNoLocal        = errors.New("Command only available with a local deployment")
)

// Shell runs proxy commands read line by line.
type Shell struct {
	comm    *communicator.Communicator
	local   *Local
	current *communicator.Proxy
	batch   *communicator.Proxy
	out     io.Writer
	errOut  io.Writer
	timeout time.Duration
}

// New creates a shell invoking through comm. local may be nil.
func New(comm *communicator.Communicator, local *Local) *Shell {
	return &Shell{
		comm:    comm,
		local:   local,
		out:     os.Stdout,
		errOut:  os.Stderr,
		timeout: 10 * time.Second,
	}
}

func (s *Shell) SetOutput(out, errOut io.Writer) {
	s.out, s.errOut = out, errOut
}

// Run executes commands from r until EOF.
func (s *Shell) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := s.Exec(scanner.Text()); err != nil {
			fmt.Fprintln(s.errOut, color.RedString("%v", err))
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "Failed reading commands")
	}
	return nil
}

// Exec runs a single command line.
func (s *Shell) Exec(line string) error {
	cmd := strings.Fields(line)
	l := len(cmd)
	if l == 0 {
		return errors.New("Command cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch cmd[0] {
	case cmdProxy:
		if l == 1 {
			if s.current == nil {
				return errNoProxy
			}
			s.result(s.current.String())
			return nil
		}
		p, err := s.comm.StringToProxy(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmdProxy)))
		if err != nil {
			return err
		}
		if p == nil {
			return errors.New("Proxy cannot be null")
		}
		s.current, s.batch = p, nil
		s.result(p.String())
	case cmdPing, cmdWhoAmI, cmdFlush, cmdResolve, cmdClear, cmdServers, cmdHelp:
		if l != 1 {
			return combineErrorUsage(errInvalidCommand, cmd[0])
		}
		return s.exec0(ctx, cmd[0])
	case cmdEcho, cmdOneway, cmdBatch:
		if l < 2 {
			return combineErrorUsage(errInvalidCommand, cmd[0])
		}
		return s.say(ctx, cmd[0], strings.Join(cmd[1:], " "))
	case cmdShutdown, cmdRestart:
		if l < 2 {
			return combineErrorUsage(errInvalidCommand, cmd[0])
		}
		if s.local == nil {
			return errNoLocal
		}
		for _, id := range cmd[1:] {
			var err error
			if cmd[0] == cmdShutdown {
				err = s.local.ShutDownServer(id)
			} else {
				err = s.local.RestartServer(id)
			}
			if err != nil {
				return err
			}
		}
	case cmdWait:
		if l != 2 {
			return combineErrorUsage(errInvalidCommand, cmd[0])
		}
		sec, err := strconv.Atoi(cmd[1])
		if err != nil {
			return err
		}
		if s.local != nil {
			s.local.Wait(sec)
		} else if sec > 0 {
			time.Sleep(time.Duration(sec) * time.Second)
		}
	default:
		return errInvalidCommand
	}
	return nil
}

func (s *Shell) exec0(ctx context.Context, cmd string) error {
	switch cmd {
	case cmdHelp:
		utils.FprintUsage(s.out, usageMp)
		return nil
	case cmdServers:
		if s.local == nil {
			return errNoLocal
		}
		for _, id := range s.local.ServerIDs() {
			calls, _ := s.local.Calls(id)
			fmt.Fprintf(s.out, "  %v: %v call(s)\n", id, calls)
		}
		return nil
	}

	if s.current == nil {
		return errNoProxy
	}
	switch cmd {
	case cmdPing:
		start := time.Now()
		if err := s.current.Ping(ctx); err != nil {
			return err
		}
		s.result(fmt.Sprintf("ok (%v)", time.Since(start).Round(time.Microsecond)))
	case cmdWhoAmI:
		name, err := WhoAmI(ctx, s.current)
		if err != nil {
			return err
		}
		s.result(name)
	case cmdFlush:
		if s.batch == nil {
			s.result("0 queued request(s)")
			return nil
		}
		n := s.batch.BatchRequests()
		if err := s.batch.FlushBatchRequests(ctx); err != nil {
			return err
		}
		s.result(fmt.Sprintf("%v queued request(s) flushed", n))
	case cmdResolve:
		info, ref, err := s.locatorInfo()
		if err != nil {
			return err
		}
		eps, cached, err := info.Endpoints(ctx, ref, ref.LocatorCacheTimeout())
		if err != nil {
			return err
		}
		parts := make([]string, 0, len(eps))
		for _, ep := range eps {
			parts = append(parts, ep.String())
		}
		s.result(fmt.Sprintf("[%v] cached=%v", strings.Join(parts, ", "), cached))
	case cmdClear:
		info, ref, err := s.locatorInfo()
		if err != nil {
			return err
		}
		info.ClearCache(ref)
		s.result("locator cache cleared for " + ref.String())
	}
	return nil
}

func (s *Shell) locatorInfo() (*locator.Info, *reference.Reference, error) {
	ref := s.current.Reference()
	if !ref.IsIndirect() {
		return nil, nil, errors.New("Proxy is direct, nothing to resolve")
	}
	loc := ref.Locator()
	if loc == nil {
		return nil, nil, errors.New("Proxy has no locator")
	}
	return s.comm.Locators().Get(loc), ref, nil
}

func (s *Shell) say(ctx context.Context, cmd, msg string) error {
	if s.current == nil {
		return errNoProxy
	}
	switch cmd {
	case cmdEcho:
		reply, err := Say(ctx, s.current.Twoway(), msg)
		if err != nil {
			return err
		}
		s.result(reply)
	case cmdOneway:
		if _, err := Say(ctx, s.current.Oneway(), msg); err != nil {
			return err
		}
		s.result("sent")
	case cmdBatch:
		if s.batch == nil {
			s.batch = s.current.BatchOneway()
		}
		if _, err := Say(ctx, s.batch, msg); err != nil {
			return err
		}
		s.result(fmt.Sprintf("queued (%v)", s.batch.BatchRequests()))
	}
	return nil
}

func (s *Shell) result(msg string) {
	fmt.Fprintln(s.out, color.GreenString("%v", msg))
}

func combineErrorUsage(e error, cmd string) error {
	return errors.New(e.Error() + "\nUsage: " + cmd + " " + usageMp[cmd])
}
