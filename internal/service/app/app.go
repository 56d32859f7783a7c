package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/service/session"
	"zerotrace/internal/service/syncer"
	"zerotrace/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

type (
	App struct {
		app      *tview.Application
		dialogs  *tview.List
		chatbox  *tview.TextView
		input    *tview.InputField
		status   *tview.TextView
		session  *session.Session
		sync     *syncer.Engine
		peer     string
		dialog   string
		loading  bool
		rendered map[string]struct{}
		done     chan struct{}
	}
)

func NewApp(sess *session.Session) *App {
	return &App{
		app:      tview.NewApplication(),
		session:  sess,
		rendered: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Bind attaches the sync engine whose presentation task feeds this app.
func (c *App) Bind(eng *syncer.Engine) {
	c.sync = eng
}

// Present renders entries from the sync engine. Placeholder rows only
// toggle the syncing marker; messages outside the open dialog are skipped.
// It returns without drawing once the UI has stopped.
func (c *App) Present(entries []syncer.Entry) {
	var (
		texts   []syncer.TextEntry
		loading bool
	)
	for _, e := range entries {
		switch e := e.(type) {
		case syncer.LoadingEntry:
			loading = true
		case syncer.TextEntry:
			texts = append(texts, e)
		}
	}

	c.queue(func() {
		shown := 0
		for _, e := range texts {
			if c.dialog == "" || e.DialogHash != c.dialog {
				continue
			}
			fmt.Fprintln(c.chatbox, formatEntry(c.session.Username(), e))
			shown++
		}
		if shown > 0 {
			c.chatbox.ScrollToEnd()
		}
		if loading != c.loading {
			c.loading = loading
			c.setTitle()
		}
	})
}

// queue runs f on the event loop and waits for it, unless the UI stops first.
func (c *App) queue(f func()) {
	ran := make(chan struct{})
	go func() {
		c.app.QueueUpdateDraw(f)
		close(ran)
	}()
	select {
	case <-ran:
	case <-c.done:
	}
}

func formatEntry(self string, e syncer.TextEntry) string {
	name := e.Sender
	color := "green"
	switch {
	case name == self:
		name, color = "You", "yellow"
	case name == "":
		name, color = "unknown", "red"
	}

	var body string
	switch e.Type {
	case model.MessageText:
		body = tview.Escape(string(e.Data))
	default:
		body = fmt.Sprintf("[::i]<%s, %d bytes>[::-]", e.Type, len(e.Data))
	}

	ts := time.Unix(0, int64(e.Timestamp*1e9)).Format("15:04")
	return fmt.Sprintf("[gray]%s[-] [%s]%s:[-] %s", ts, color, tview.Escape(name), body)
}

func (c *App) setTitle() {
	title := " No dialog open "
	if c.peer != "" {
		title = fmt.Sprintf(" Chat with %s ", c.peer)
	}
	if c.loading {
		title += "(syncing...) "
	}
	c.chatbox.SetTitle(title)
}

// Run blocks until the UI exits or ctx is cancelled.
func (c *App) Run(ctx context.Context) error {
	c.dialogs = tview.NewList().ShowSecondaryText(false)
	c.dialogs.SetBorder(true).SetTitle(" Dialogs ")
	c.dialogs.SetSelectedFunc(func(_ int, name, _ string, _ rune) {
		c.openDialog(name)
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true)
	c.setTitle()

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /open <user>, /search <prefix>, /quit ")
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		c.input.SetText("")
		if text != "" {
			c.handleInput(ctx, text)
		}
	})

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
	layout := tview.NewFlex().
		AddItem(c.dialogs, 24, 0, false).
		AddItem(right, 0, 1, true)

	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			if c.input.HasFocus() {
				c.app.SetFocus(c.dialogs)
			} else {
				c.app.SetFocus(c.input)
			}
			return nil
		}
		return ev
	})

	defer close(c.done)

	go func() {
		select {
		case <-ctx.Done():
			c.app.Stop()
		case <-c.done:
		}
	}()
	go c.refreshDialogs(ctx)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) handleInput(ctx context.Context, text string) {
	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/quit":
		c.app.Stop()
	case "/open":
		c.openDialog(strings.TrimSpace(arg))
	case "/search":
		go c.search(ctx, strings.TrimSpace(arg))
	default:
		if c.peer == "" {
			c.setStatus("[red]open a dialog first[-]")
			return
		}
		go c.send(ctx, c.peer, text)
	}
}

func (c *App) openDialog(username string) {
	if username == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		hash, err := c.session.DialogWith(ctx, username)
		if err != nil {
			log.Warn("open dialog failed", zap.String("peer", username), zap.Error(err))
			c.setStatus(fmt.Sprintf("[red]cannot open %s: %v[-]", tview.Escape(username), err))
			return
		}

		// Rescope after the clear so lines read for the old scope are skipped.
		c.queue(func() {
			c.peer = username
			c.dialog = hash
			c.chatbox.Clear()
			c.setTitle()
			if _, ok := c.rendered[username]; !ok {
				c.rendered[username] = struct{}{}
				c.dialogs.AddItem(username, "", 0, nil)
			}
		})
		if c.sync != nil {
			c.sync.SetDialog(hash)
		}
	}()
}

func (c *App) send(ctx context.Context, peer, text string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := c.session.Send(ctx, peer, []byte(text), model.MessageText); err != nil {
		log.Error("send message failed", zap.String("peer", peer), zap.Error(err))
		c.setStatus(fmt.Sprintf("[red]send failed: %v[-]", err))
		return
	}
	c.setStatus("")
	if c.sync != nil {
		c.sync.Trigger()
	}
}

func (c *App) search(ctx context.Context, prefix string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	users, err := c.session.Search(ctx, prefix)
	if err != nil {
		c.setStatus(fmt.Sprintf("[red]search failed: %v[-]", err))
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, tview.Escape(u.Username))
	}
	if len(names) == 0 {
		c.setStatus("no users found")
		return
	}
	c.setStatus("found: " + strings.Join(names, ", "))
}

func (c *App) refreshDialogs(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	dialogs, err := c.session.Dialogs(ctx)
	if err != nil {
		log.Warn("list dialogs failed", zap.Error(err))
		c.setStatus(fmt.Sprintf("[red]cannot list dialogs: %v[-]", err))
		return
	}

	c.queue(func() {
		for _, d := range dialogs {
			if d.Username == "" {
				continue
			}
			if _, ok := c.rendered[d.Username]; ok {
				continue
			}
			c.rendered[d.Username] = struct{}{}
			c.dialogs.AddItem(d.Username, "", 0, nil)
		}
	})
}

func (c *App) setStatus(msg string) {
	c.queue(func() {
		c.status.SetText(msg)
	})
}
