package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/repository/account"
	"zerotrace/internal/repository/memory"
	"zerotrace/internal/service/directory"
	"zerotrace/internal/service/server"
	"zerotrace/internal/service/session"
	"zerotrace/internal/service/syncer"

	"github.com/gdamore/tcell/v2"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	srv := server.NewHttpServer(memory.NewUsers(), memory.NewEnvelopes(), server.NewHub())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := directory.NewClient(ts.URL, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	accounts, err := account.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess, err := session.NewService(client, accounts).Register(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

// startApp runs c on a simulation screen until the returned stop is called.
func startApp(t *testing.T, c *App) (stop func()) {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	c.app.SetScreen(screen)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- c.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-exited:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
}

func (c *App) chatText() string {
	var text string
	c.queue(func() { text = c.chatbox.GetText(true) })
	return text
}

func TestPresent_OnlyOpenDialog(t *testing.T) {
	c := NewApp(newSession(t))
	stop := startApp(t, c)
	defer stop()

	c.Present([]syncer.Entry{
		syncer.TextEntry{Sender: "bob", Data: []byte("stray"), Type: model.MessageText, DialogHash: "d2"},
	})
	if got := c.chatText(); strings.Contains(got, "stray") {
		t.Errorf("chatbox with no dialog open = %q", got)
	}

	c.queue(func() { c.dialog = "d1" })
	c.Present([]syncer.Entry{
		syncer.TextEntry{Sender: "bob", Data: []byte("hello"), Type: model.MessageText, DialogHash: "d1"},
		syncer.TextEntry{Sender: "bob", Data: []byte("elsewhere"), Type: model.MessageText, DialogHash: "d2"},
	})
	got := c.chatText()
	if !strings.Contains(got, "hello") || strings.Contains(got, "elsewhere") {
		t.Errorf("chatbox = %q, want only d1 messages", got)
	}
}

func TestPresent_LoadingMarker(t *testing.T) {
	c := NewApp(newSession(t))
	stop := startApp(t, c)
	defer stop()

	c.Present([]syncer.Entry{syncer.LoadingEntry{DialogHash: "d1"}})
	var title string
	c.queue(func() { title = c.chatbox.GetTitle() })
	if !strings.Contains(title, "syncing") {
		t.Errorf("title = %q, want syncing marker", title)
	}

	c.Present(nil)
	c.queue(func() { title = c.chatbox.GetTitle() })
	if strings.Contains(title, "syncing") {
		t.Errorf("title = %q after empty batch", title)
	}
}

func TestPresent_AfterStopReturns(t *testing.T) {
	c := NewApp(newSession(t))
	stop := startApp(t, c)
	c.Present(nil)
	stop()

	returned := make(chan struct{})
	go func() {
		c.Present([]syncer.Entry{syncer.LoadingEntry{DialogHash: "d1"}})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Present() blocked after the UI stopped")
	}
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry syncer.TextEntry
		want  []string
	}{
		{
			name:  "own message",
			entry: syncer.TextEntry{Sender: "alice", Data: []byte("hi"), Type: model.MessageText},
			want:  []string{"[yellow]You:[-]", "hi"},
		},
		{
			name:  "peer message",
			entry: syncer.TextEntry{Sender: "bob", Data: []byte("yo"), Type: model.MessageText},
			want:  []string{"[green]bob:[-]", "yo"},
		},
		{
			name:  "unknown sender",
			entry: syncer.TextEntry{Data: model.UnverifiedPayload, Type: model.MessageText},
			want:  []string{"[red]unknown:[-]", "**Unverify**"},
		},
		{
			name:  "color tags escaped",
			entry: syncer.TextEntry{Sender: "bob", Data: []byte("[red]x"), Type: model.MessageText},
			want:  []string{"[red[]x"},
		},
		{
			name:  "file",
			entry: syncer.TextEntry{Sender: "bob", Data: make([]byte, 42), Type: model.MessageFile},
			want:  []string{"<FILE, 42 bytes>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEntry("alice", tt.entry)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("formatEntry() = %q, missing %q", got, w)
				}
			}
		})
	}
}
