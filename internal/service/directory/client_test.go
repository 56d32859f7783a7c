package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/repository/memory"
	"zerotrace/internal/service/server"

	"github.com/gorilla/websocket"
)

func newClient(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	srv := server.NewHttpServer(memory.NewUsers(), memory.NewEnvelopes(), server.NewHub())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return c, ts
}

func envelopeFor(sender, recipient string) *model.Envelope {
	return &model.Envelope{
		SenderPublicKey:           sender,
		RecipientPublicKey:        recipient,
		SharedSecretAESCiphertext: "aa",
		SharedSecretKEMCiphertext: "bb",
		Ciphertext:                "cc",
		Nonce:                     "dd",
		SharedSecretAESNonce:      "ee",
		Signature:                 "ff",
		HashPublic:                "01",
		MsgType:                   model.MessageText,
		DialogHash:                "abcd",
	}
}

func TestClient_Users(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	alice := &model.User{Username: "alice", KEMPublicKey: "a1", SignaturePublicKey: "a2"}

	if err := c.Register(ctx, alice); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(ctx, alice); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("second Register() error = %v, want ErrAlreadyExists", err)
	}

	u, err := c.LookupByUsername(ctx, "alice")
	if err != nil || *u != *alice {
		t.Errorf("LookupByUsername() = %+v, %v", u, err)
	}
	u, err = c.LookupByPublicKey(ctx, "a1")
	if err != nil || u.Username != "alice" {
		t.Errorf("LookupByPublicKey() = %+v, %v", u, err)
	}
	if _, err := c.LookupByUsername(ctx, "mallory"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("LookupByUsername(mallory) error = %v, want ErrNotFound", err)
	}

	users, err := c.Search(ctx, "AL")
	if err != nil || len(users) != 1 {
		t.Errorf("Search() = %d users, %v", len(users), err)
	}
	// Path separators in a query stay inside one segment.
	if users, err := c.Search(ctx, "a/b"); err != nil || len(users) != 0 {
		t.Errorf("Search(a/b) = %v, %v", users, err)
	}
}

func TestClient_Envelopes(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	var last float64
	for i := 0; i < 3; i++ {
		env := envelopeFor("a1", "b1")
		if err := c.SubmitEnvelope(ctx, env); err != nil {
			t.Fatalf("SubmitEnvelope() error = %v", err)
		}
		if env.ID == "" || env.Timestamp <= last {
			t.Errorf("server fields not filled: id=%q ts=%v", env.ID, env.Timestamp)
		}
		last = env.Timestamp
	}

	envs, err := c.FetchEnvelopesFor(ctx, "b1", 0)
	if err != nil || len(envs) != 3 {
		t.Fatalf("FetchEnvelopesFor() = %d, %v", len(envs), err)
	}
	envs, err = c.FetchEnvelopesFor(ctx, "b1", envs[1].Timestamp)
	if err != nil || len(envs) != 1 {
		t.Errorf("FetchEnvelopesFor(after) = %d, %v", len(envs), err)
	}
	envs, err = c.FetchEnvelopesForDialog(ctx, "abcd", 0)
	if err != nil || len(envs) != 3 {
		t.Errorf("FetchEnvelopesForDialog() = %d, %v", len(envs), err)
	}

	refs, err := c.ListDialogs(ctx, "b1")
	if err != nil || len(refs) != 1 || refs[0].PublicKey != "a1" {
		t.Errorf("ListDialogs() = %+v, %v", refs, err)
	}
}

func TestClient_TransientErrors(t *testing.T) {
	ctx := context.Background()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	c, err := NewClient(failing.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchEnvelopesFor(ctx, "a1", 0); !errors.Is(err, model.ErrTransient) {
		t.Errorf("5xx error = %v, want ErrTransient", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	c, err = NewClient(closed.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitEnvelope(ctx, envelopeFor("a1", "b1")); !errors.Is(err, model.ErrTransient) {
		t.Errorf("transport error = %v, want ErrTransient", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	c, err = NewClient(slow.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListDialogs(ctx, "a1"); !errors.Is(err, model.ErrTransient) {
		t.Errorf("timeout error = %v, want ErrTransient", err)
	}
}

func TestNewClient_RejectsScheme(t *testing.T) {
	if _, err := NewClient("ftp://example.com", time.Second); err == nil {
		t.Error("NewClient(ftp) expected error")
	}
}

func TestSubscribe(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "b1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The server registers the socket asynchronously; keep sending until
	// a notification arrives.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatal("channel closed")
			}
			if n.DialogHash != "abcd" {
				t.Errorf("notification = %+v", n)
			}
			cancel()
			for range ch {
			}
			return
		case <-tick.C:
			if err := c.SubmitEnvelope(context.Background(), envelopeFor("a1", "b1")); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no notification received")
		}
	}
}

func TestSubscribe_DroppedConnectionReleasesWatcher(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// ctx stays live for the whole test, as in a long reconnecting session.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := runtime.NumGoroutine()
	const rounds = 50
	for i := 0; i < rounds; i++ {
		ch, err := c.Subscribe(ctx, "b1")
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		for range ch {
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n := runtime.NumGoroutine()
		if n < before+rounds/2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d after %d dropped subscriptions, started with %d", n, rounds, before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
