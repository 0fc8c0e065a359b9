//go:build unit

package probe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

type execReply struct {
	res     ssh.Result
	err     error
	elapsed time.Duration
	block   bool
}

// fakeConn answers commands by the first registered substring they contain.
type fakeConn struct {
	mu      sync.Mutex
	clock   *clocktesting.FakeClock
	replies []struct {
		match string
		reply execReply
	}
	commands []string
	closed   int
}

func newFakeConn(clk *clocktesting.FakeClock) *fakeConn {
	return &fakeConn{clock: clk}
}

func (c *fakeConn) on(match string, reply execReply) *fakeConn {
	c.replies = append(c.replies, struct {
		match string
		reply execReply
	}{match, reply})
	return c
}

func (c *fakeConn) Exec(ctx context.Context, command string) (ssh.Result, error) {
	c.mu.Lock()
	c.commands = append(c.commands, command)
	var reply execReply
	for _, r := range c.replies {
		if strings.Contains(command, r.match) {
			reply = r.reply
			break
		}
	}
	c.mu.Unlock()

	if reply.block {
		<-ctx.Done()
		return ssh.Result{ExitCode: -1}, ctx.Err()
	}
	if c.clock != nil && reply.elapsed > 0 {
		c.clock.Step(reply.elapsed)
	}
	return reply.res, reply.err
}

func (c *fakeConn) Format(script string) string { return script }
func (c *fakeConn) Addr() string                { return "10.0.0.7:22" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) ran() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func newTestSession(conn *fakeConn) *session {
	var clk clock.PassiveClock = clock.RealClock{}
	if conn.clock != nil {
		clk = conn.clock
	}
	return newSession(conn, GUIOptions{}, clk, logr.Discard())
}

func TestSession_RunConsole(t *testing.T) {
	tests := []struct {
		name     string
		reply    execReply
		timeout  time.Duration
		wantErr  error
		wantCode int
	}{
		{
			name:    "success",
			reply:   execReply{res: ssh.Result{Stdout: "ok\n"}, elapsed: time.Second},
			timeout: 5 * time.Second,
		},
		{
			name:     "non-zero exit is not an error",
			reply:    execReply{res: ssh.Result{ExitCode: 3}, elapsed: time.Second},
			timeout:  5 * time.Second,
			wantCode: 3,
		},
		{
			name:    "returning exactly at the timeout is a timeout",
			reply:   execReply{res: ssh.Result{Stdout: "late"}, elapsed: 5 * time.Second},
			timeout: 5 * time.Second,
			wantErr: ErrExecutionTimeout,
		},
		{
			name:    "command still running at the deadline",
			reply:   execReply{block: true},
			timeout: 20 * time.Millisecond,
			wantErr: ErrExecutionTimeout,
		},
		{
			name:    "channel failure",
			reply:   execReply{err: ssh.ErrChannel},
			timeout: time.Second,
			wantErr: ErrChannelUnavailable,
		},
		{
			name:    "transport failure",
			reply:   execReply{err: ssh.ErrTransport},
			timeout: time.Second,
			wantErr: ErrTargetUnreachable,
		},
		{
			name:    "non-positive timeout",
			timeout: 0,
			wantErr: ErrExecutionTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(clocktesting.NewFakeClock(time.Unix(0, 0))).on("", tt.reply)
			s := newTestSession(conn)

			out, err := s.RunConsole(context.Background(), "echo ok", tt.timeout)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, out.ExitCode)
			assert.Equal(t, tt.reply.res.Stdout, out.Stdout)
			assert.Equal(t, tt.reply.elapsed, out.Duration)
		})
	}
}

func TestSession_RunConsoleCancelled(t *testing.T) {
	conn := newFakeConn(clocktesting.NewFakeClock(time.Unix(0, 0))).on("", execReply{block: true})
	s := newTestSession(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.RunConsole(ctx, "sleep 600", time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExecutionTimeout)
}

func TestSession_Close(t *testing.T) {
	conn := newFakeConn(nil)
	s := newTestSession(conn)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, conn.closed)

	_, err := s.RunConsole(context.Background(), "true", time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.LocateWindow(context.Background(), WindowMatcher{Title: "x"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Interact(context.Background(), WindowHandle{ID: "1"}, Action{Kind: ActionClick})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Screenshot(context.Background(), "x")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_LocateWindow(t *testing.T) {
	t.Run("found by title", func(t *testing.T) {
		conn := newFakeConn(nil).
			on("search", execReply{res: ssh.Result{Stdout: "4194307\n4194311\n"}}).
			on("getwindowname 4194307", execReply{res: ssh.Result{Stdout: "Kleopatra\n"}})
		s := newTestSession(conn)

		h, err := s.LocateWindow(context.Background(), WindowMatcher{Title: "Kleo.*"})
		require.NoError(t, err)
		assert.Equal(t, WindowHandle{ID: "4194307", Title: "Kleopatra"}, h)
		assert.Equal(t, "export DISPLAY=:0; xdotool search --onlyvisible --name 'Kleo.*'", conn.ran()[0])
	})

	t.Run("class with title filter", func(t *testing.T) {
		conn := newFakeConn(nil).
			on("search", execReply{res: ssh.Result{Stdout: "1\n2\n"}}).
			on("getwindowname 1", execReply{res: ssh.Result{Stdout: "Settings"}}).
			on("getwindowname 2", execReply{res: ssh.Result{Stdout: "Certificate Manager"}})
		s := newTestSession(conn)

		h, err := s.LocateWindow(context.Background(), WindowMatcher{Class: "kleopatra", Title: "^Certificate"})
		require.NoError(t, err)
		assert.Equal(t, "2", h.ID)
		assert.Contains(t, conn.ran()[0], "--class kleopatra")
	})

	t.Run("no match", func(t *testing.T) {
		conn := newFakeConn(nil).on("search", execReply{res: ssh.Result{ExitCode: 1}})
		s := newTestSession(conn)

		_, err := s.LocateWindow(context.Background(), WindowMatcher{Title: "missing"})
		assert.ErrorIs(t, err, ErrElementNotFound)
	})

	t.Run("display failure is not element not found", func(t *testing.T) {
		conn := newFakeConn(nil).on("search", execReply{
			res: ssh.Result{ExitCode: 1, Stderr: "Error: Can't open display: :0"},
		})
		s := newTestSession(conn)

		_, err := s.LocateWindow(context.Background(), WindowMatcher{Title: "x"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrElementNotFound)
	})
}

func TestSession_Interact(t *testing.T) {
	handle := WindowHandle{ID: "42"}
	tests := []struct {
		name    string
		action  Action
		reply   execReply
		wantCmd string
		want    string
		wantErr error
	}{
		{
			name:    "click",
			action:  Action{Kind: ActionClick, X: 10, Y: 20},
			wantCmd: "export DISPLAY=:0; xdotool windowactivate --sync 42 mousemove --window 42 10 20 click 1",
		},
		{
			name:    "type",
			action:  Action{Kind: ActionType, Text: "hello world"},
			wantCmd: "export DISPLAY=:0; xdotool windowactivate --sync 42 type --delay 20 'hello world'",
		},
		{
			name:    "key",
			action:  Action{Kind: ActionKey, Key: "ctrl+s"},
			wantCmd: "export DISPLAY=:0; xdotool windowactivate --sync 42 key ctrl+s",
		},
		{
			name:    "read text",
			action:  Action{Kind: ActionReadText},
			reply:   execReply{res: ssh.Result{Stdout: "Decryption succeeded\n"}},
			wantCmd: "export DISPLAY=:0; xdotool getwindowname 42",
			want:    "Decryption succeeded",
		},
		{
			name:    "window vanished",
			action:  Action{Kind: ActionKey, Key: "Return"},
			reply:   execReply{res: ssh.Result{ExitCode: 1, Stderr: "X Error of failed request:  BadWindow"}},
			wantErr: ErrElementNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(nil).on("", tt.reply)
			s := newTestSession(conn)

			got, err := s.Interact(context.Background(), handle, tt.action)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{tt.wantCmd}, conn.ran())
		})
	}
}

func TestSession_InteractUnknownAction(t *testing.T) {
	s := newTestSession(newFakeConn(nil))
	_, err := s.Interact(context.Background(), WindowHandle{ID: "1"}, Action{Kind: "drag"})
	require.Error(t, err)
}

func TestSession_Screenshot(t *testing.T) {
	conn := newFakeConn(nil)
	s := newTestSession(conn)

	ref, err := s.Screenshot(context.Background(), "gui/decrypt step 1")
	require.NoError(t, err)
	assert.Equal(t, "vm://10.0.0.7:22/tmp/vmconform/gui_decrypt_step_1.png", ref)
	assert.Equal(t,
		"export DISPLAY=:0; mkdir -p /tmp/vmconform && import -window root /tmp/vmconform/gui_decrypt_step_1.png",
		conn.ran()[0])

	conn.on("", execReply{res: ssh.Result{ExitCode: 1, Stderr: "import: unable to open X server"}})
	_, err = s.Screenshot(context.Background(), "again")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrElementNotFound))
}
