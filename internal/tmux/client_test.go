package tmux

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/riordanpawley/azedarach/internal/testutil"
)

func TestSessionName(t *testing.T) {
	tests := []struct {
		prefix string
		taskID string
		want   string
	}{
		{"az", "az-123", "az-az-123"},
		{"az", "proj.feature:1", "az-proj-feature-1"},
		{"", "task 7", "task-7"},
		{"az", "..weird..", "az-weird"},
	}
	for _, tt := range tests {
		t.Run(tt.taskID, func(t *testing.T) {
			if got := SessionName(tt.prefix, tt.taskID); got != tt.want {
				t.Errorf("SessionName(%q, %q) = %q, want %q", tt.prefix, tt.taskID, got, tt.want)
			}
		})
	}
}

func TestClient_CreateSession(t *testing.T) {
	runner := testutil.NewFakeRunner()
	c := NewClient(runner, "azedarach")

	err := c.CreateSession(context.Background(), "az-1", "/work/az-1", SessionOptions{
		Width:        200,
		Height:       50,
		HistoryLimit: 5000,
		Env:          []string{"AZ_TASK=az-1"},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	calls := runner.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2: %v", len(calls), calls)
	}
	want := []string{"-L", "azedarach", "new-session", "-d", "-s", "az-1", "-c", "/work/az-1", "-x", "200", "-y", "50", "-e", "AZ_TASK=az-1"}
	if !reflect.DeepEqual(calls[0].Args, want) {
		t.Errorf("new-session args = %#v, want %#v", calls[0].Args, want)
	}
	if got := calls[1].String(); got != "tmux -L azedarach set-option -t =az-1 history-limit 5000" {
		t.Errorf("second call = %q", got)
	}
}

func TestClient_CreateSessionError(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux new-session", "duplicate session: az-1", errors.New("exit status 1"))
	c := NewClient(runner, "")

	err := c.CreateSession(context.Background(), "az-1", "", SessionOptions{})
	if err == nil {
		t.Fatal("CreateSession() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "tmux new-session failed: duplicate session") {
		t.Errorf("error = %q, want output included", err)
	}
}

func TestClient_HasSession(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    bool
		wantErr bool
	}{
		{"exists", "", nil, true, false},
		{"missing session", "can't find session: az-1", errors.New("exit status 1"), false, false},
		{"no server", "no server running on /tmp/tmux-0/default", errors.New("exit status 1"), false, false},
		{"other failure", "permission denied", errors.New("boom"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := testutil.NewFakeRunner().On("tmux has-session", tt.output, tt.err)
			got, err := NewClient(runner, "").HasSession(context.Background(), "az-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("HasSession() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("HasSession() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_KillSessionMissingIsSuccess(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux kill-session", "can't find session: az-1", errors.New("exit status 1"))
	if err := NewClient(runner, "").KillSession(context.Background(), "az-1"); err != nil {
		t.Errorf("KillSession() error = %v, want nil", err)
	}
}

func TestClient_ListSessions(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux list-sessions", "az-1\naz-2\n\nother\n", nil)
	got, err := NewClient(runner, "").ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	want := []string{"az-1", "az-2", "other"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListSessions() = %v, want %v", got, want)
	}

	noServer := testutil.NewFakeRunner().On("tmux list-sessions", "no server running on /tmp/x", errors.New("exit status 1"))
	got, err = NewClient(noServer, "").ListSessions(context.Background())
	if err != nil || len(got) != 0 {
		t.Errorf("ListSessions() without server = %v, %v; want empty, nil", got, err)
	}
}

func TestClient_SendLine(t *testing.T) {
	runner := testutil.NewFakeRunner()
	c := NewClient(runner, "")

	if err := c.SendLine(context.Background(), "az-1", "fix the bug; then test"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	calls := runner.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if want := []string{"send-keys", "-t", "=az-1:", "-l", "fix the bug; then test"}; !reflect.DeepEqual(calls[0].Args, want) {
		t.Errorf("literal args = %#v, want %#v", calls[0].Args, want)
	}
	if want := []string{"send-keys", "-t", "=az-1:", "Enter"}; !reflect.DeepEqual(calls[1].Args, want) {
		t.Errorf("enter args = %#v, want %#v", calls[1].Args, want)
	}
}

func TestClient_CapturePane(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux capture-pane", "line1\nline2\n", nil)
	c := NewClient(runner, "")

	got, err := c.CapturePane(context.Background(), "az-1", 100)
	if err != nil {
		t.Fatalf("CapturePane() error = %v", err)
	}
	if got != "line1\nline2\n" {
		t.Errorf("CapturePane() = %q", got)
	}
	if want := "tmux capture-pane -p -J -t =az-1: -S -100"; runner.Calls()[0].String() != want {
		t.Errorf("call = %q, want %q", runner.Calls()[0].String(), want)
	}
}

func TestClient_CapturePaneHonorsContext(t *testing.T) {
	runner := testutil.NewFakeRunner().OnResponse("tmux capture-pane", testutil.Response{Delay: time.Second})
	c := NewClient(runner, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.CapturePane(ctx, "az-1", 10); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CapturePane() error = %v, want deadline exceeded", err)
	}
}

func TestClient_Windows(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux list-windows", "agent\ndev\n", nil)
	c := NewClient(runner, "")
	ctx := context.Background()

	if err := c.NewWindow(ctx, "az-1", "dev", "/w", []string{"PORT=3000"}, "npm run dev"); err != nil {
		t.Fatalf("NewWindow() error = %v", err)
	}
	want := []string{"new-window", "-d", "-t", "=az-1:", "-n", "dev", "-c", "/w", "-e", "PORT=3000", "npm run dev"}
	if got := runner.Calls()[0].Args; !reflect.DeepEqual(got, want) {
		t.Errorf("new-window args = %#v, want %#v", got, want)
	}

	ok, err := c.HasWindow(ctx, "az-1", "dev")
	if err != nil || !ok {
		t.Errorf("HasWindow(dev) = %v, %v; want true, nil", ok, err)
	}
	ok, _ = c.HasWindow(ctx, "az-1", "logs")
	if ok {
		t.Error("HasWindow(logs) = true, want false")
	}
	if err := c.KillWindow(ctx, "az-1", "dev"); err != nil {
		t.Errorf("KillWindow() error = %v", err)
	}
	if !runner.Called("tmux kill-window -t =az-1:=dev") {
		t.Error("kill-window not issued")
	}
}

func TestClient_GracefulShutdown(t *testing.T) {
	runner := testutil.NewFakeRunner().On("tmux display-message", "not-a-pid", nil)
	c := NewClient(runner, "")

	if err := c.GracefulShutdown(context.Background(), "az-1", 10*time.Millisecond); err != nil {
		t.Fatalf("GracefulShutdown() error = %v", err)
	}
	if !runner.Called("tmux send-keys -t =az-1: C-c") {
		t.Error("interrupt not sent")
	}
	if !runner.Called("tmux kill-session -t =az-1") {
		t.Error("session not killed")
	}
	if runner.Called("tmux kill-server") {
		t.Error("shared server must not be killed")
	}
}

func TestClient_TargetsAreExact(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		call func(c *Client)
		want string
	}{
		{"capture", func(c *Client) { _, _ = c.CapturePane(ctx, "az-1", 0) }, "tmux capture-pane -p -J -t =az-1:"},
		{"interrupt", func(c *Client) { _ = c.SendInterrupt(ctx, "az-1") }, "tmux send-keys -t =az-1: C-c"},
		{"literal", func(c *Client) { _ = c.SendLiteral(ctx, "az-1", "go") }, "tmux send-keys -t =az-1: -l go"},
		{"pane pid", func(c *Client) { _ = c.PanePID(ctx, "az-1") }, "tmux display-message -p -t =az-1: #{pane_pid}"},
		{"has session", func(c *Client) { _, _ = c.HasSession(ctx, "az-1") }, "tmux has-session -t =az-1"},
		{"kill session", func(c *Client) { _ = c.KillSession(ctx, "az-1") }, "tmux kill-session -t =az-1"},
		{"new window", func(c *Client) { _ = c.NewWindow(ctx, "az-1", "dev", "", nil, "") }, "tmux new-window -d -t =az-1: -n dev"},
		{"has window", func(c *Client) { _, _ = c.HasWindow(ctx, "az-1", "dev") }, "tmux list-windows -t =az-1 -F #{window_name}"},
		{"kill window", func(c *Client) { _ = c.KillWindow(ctx, "az-1", "dev") }, "tmux kill-window -t =az-1:=dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := testutil.NewFakeRunner()
			tt.call(NewClient(runner, ""))
			calls := runner.Calls()
			if len(calls) != 1 {
				t.Fatalf("got %d calls, want 1: %v", len(calls), calls)
			}
			if got := calls[0].String(); got != tt.want {
				t.Errorf("call = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_AttachArgs(t *testing.T) {
	got := NewClient(nil, "sock").AttachArgs("az-1")
	want := []string{"tmux", "-L", "sock", "attach-session", "-t", "=az-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AttachArgs() = %v, want %v", got, want)
	}
}

func TestWaitForProcessExit_InvalidPID(t *testing.T) {
	if !WaitForProcessExit(context.Background(), 0, time.Second) {
		t.Error("WaitForProcessExit(0) = false, want true")
	}
}
