package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func newTestShell(t *testing.T, n int) (*Shell, *Local, *bytes.Buffer) {
	t.Helper()
	l, err := RunLocally(n)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.StopAll)
	sh := New(l.Client(), l)
	out := &bytes.Buffer{}
	sh.SetOutput(out, out)
	return sh, l, out
}

func mustExec(t *testing.T, sh *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := sh.Exec(line); err != nil {
		t.Fatalf("%v: %v", line, err)
	}
	return strings.TrimSpace(out.String())
}

func TestEmpty(t *testing.T) {
	if _, err := RunLocally(0); err == nil {
		t.Error("Should not accepting size zero")
	}
}

func TestEchoThroughLocator(t *testing.T) {
	sh, l, out := newTestShell(t, 3)

	if ids := l.ServerIDs(); len(ids) != 3 || ids[0] != "server-0" || ids[2] != "server-2" {
		t.Fatalf("unexpected server ids %v", ids)
	}

	mustExec(t, sh, out, "proxy echo @ server-1")
	if got := mustExec(t, sh, out, "echo hello world"); got != "hello world" {
		t.Errorf("echo returned %q", got)
	}
	if got := mustExec(t, sh, out, "whoami"); got != "server-1" {
		t.Errorf("whoami returned %q", got)
	}
	if got := mustExec(t, sh, out, "resolve"); !strings.Contains(got, "server-1.0") || !strings.Contains(got, "cached=true") {
		t.Errorf("resolve returned %q", got)
	}
	mustExec(t, sh, out, "ping")

	calls, err := l.Calls("server-1")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("server-1 dispatched %v calls, expected 2", calls)
	}
	if calls, _ := l.Calls("server-0"); calls != 0 {
		t.Errorf("server-0 dispatched %v calls, expected 0", calls)
	}
}

func TestRestartMovesServer(t *testing.T) {
	sh, _, out := newTestShell(t, 2)

	mustExec(t, sh, out, "proxy echo @ server-0")
	mustExec(t, sh, out, "echo before")

	mustExec(t, sh, out, "restart server-0")
	if got := mustExec(t, sh, out, "echo after"); got != "after" {
		t.Errorf("echo after restart returned %q", got)
	}
	if got := mustExec(t, sh, out, "resolve"); !strings.Contains(got, "server-0.1") {
		t.Errorf("resolve after restart returned %q", got)
	}

	mustExec(t, sh, out, "clear")
	if got := mustExec(t, sh, out, "resolve"); !strings.Contains(got, "cached=false") {
		t.Errorf("resolve after clear returned %q", got)
	}
}

func TestShutdownUnregisters(t *testing.T) {
	sh, l, out := newTestShell(t, 2)

	mustExec(t, sh, out, "shutdown server-1")
	if len(l.Registry().Adapters()) != 1 {
		t.Errorf("expected one registered adapter, got %v", l.Registry().Adapters())
	}
	mustExec(t, sh, out, "proxy echo @ server-1")
	if err := sh.Exec("echo lost"); err == nil {
		t.Error("echo to a server that was shut down should fail")
	}
}

func TestBatchAndOneway(t *testing.T) {
	sh, l, out := newTestShell(t, 1)

	mustExec(t, sh, out, "proxy echo @ server-0")
	mustExec(t, sh, out, "batch one")
	if got := mustExec(t, sh, out, "batch two"); got != "queued (2)" {
		t.Errorf("batch returned %q", got)
	}
	if got := mustExec(t, sh, out, "flush"); got != "2 queued request(s) flushed" {
		t.Errorf("flush returned %q", got)
	}
	mustExec(t, sh, out, "oneway three")
	// a twoway call on the same connection is dispatched after the others
	mustExec(t, sh, out, "ping")
	if calls, _ := l.Calls("server-0"); calls != 3 {
		t.Errorf("server-0 dispatched %v calls, expected 3", calls)
	}
}

func TestInvalidCommands(t *testing.T) {
	sh, _, out := newTestShell(t, 1)

	for _, line := range []string{"", "nope", "ping", "echo", "wait x", "shutdown server-9", "ping extra"} {
		if err := sh.Exec(line); err == nil {
			t.Errorf("%q should fail", line)
		}
	}
	if err := sh.Exec("proxy echo:tcp -p notaport"); err == nil {
		t.Error("a malformed proxy should fail")
	}

	mustExec(t, sh, out, "proxy echo:mem -h server-0.0")
	if err := sh.Exec("resolve"); err == nil {
		t.Error("resolve on a direct proxy should fail")
	}
}

func TestHelpAndRun(t *testing.T) {
	sh, _, out := newTestShell(t, 1)

	help := mustExec(t, sh, out, "help")
	for cmd := range usageMp {
		if !strings.Contains(help, cmd) {
			t.Errorf("help does not mention %v", cmd)
		}
	}

	out.Reset()
	if err := sh.Run(strings.NewReader("proxy echo @ server-0\nbogus\necho hi\n")); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "Invalid command") || !strings.Contains(got, "hi") {
		t.Errorf("unexpected output %q", got)
	}
}
