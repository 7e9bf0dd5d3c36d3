package imap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	testUser     = "me@example.com"
	testPassword = "secret"
)

type countingListener struct {
	net.Listener
	accepts atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.accepts.Add(1)
	}
	return conn, err
}

type testServer struct {
	user     *imapmemserver.User
	listener *countingListener
	port     int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imapv2.CapSet{imapv2.CapIMAP4rev1: {}},
		InsecureAuth: true,
		Logger:       log.New(io.Discard, "", 0),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener := &countingListener{Listener: ln}
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testServer{user: user, listener: listener, port: ln.Addr().(*net.TCPAddr).Port}
}

func (s *testServer) add(t *testing.T, from, subject string) []byte {
	t.Helper()
	raw := []byte("From: " + from + "\r\n" +
		"To: " + testUser + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Thu, 02 May 2024 10:00:00 +0200\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Merci pour votre commande.\r\n")
	if _, err := s.user.Append("INBOX", bytes.NewReader(raw), &imapv2.AppendOptions{Time: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return raw
}

func (s *testServer) client(t *testing.T, password string, maxResults int) *Client {
	t.Helper()
	c, err := New(Options{
		Host:       "127.0.0.1",
		Port:       s.port,
		Username:   testUser,
		Password:   password,
		MaxResults: maxResults,
		Timeout:    5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestConnectWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	c := srv.client(t, "wrong", 0)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthFailed", err)
	}
	if _, err := c.Search(context.Background(), []string{"vinatis.com"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Search after failed login = %v, want ErrNotConnected", err)
	}
}

func TestSearchWithoutMatchesIsEmpty(t *testing.T) {
	srv := newTestServer(t)
	srv.add(t, "friend@example.com", "Salut")
	c := srv.client(t, testPassword, 0)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	uids, err := c.Search(context.Background(), []string{"vinatis.com"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(uids) != 0 {
		t.Fatalf("expected no matches, got %v", uids)
	}
}

func TestSearchMatchesExactSenderDomains(t *testing.T) {
	srv := newTestServer(t)
	srv.add(t, "Vinatis <shop@vinatis.com>", "Commande 1")       // uid 1
	srv.add(t, "news@mail.vinatis.com", "Commande 2")            // uid 2
	srv.add(t, "deals@totalwine.com", "Promo")                   // uid 3
	srv.add(t, "shop@wine.com", "Order 3")                       // uid 4
	srv.add(t, "phish@vinatis.com.evil.org", "Commande urgente") // uid 5
	srv.add(t, "friend@example.com", "Salut")                    // uid 6

	c := srv.client(t, testPassword, 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	uids, err := c.Search(context.Background(), []string{"vinatis.com", "wine.com"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(uids) != 3 || uids[0] != 4 || uids[1] != 2 || uids[2] != 1 {
		t.Fatalf("Search = %v, want [4 2 1]", uids)
	}

	capped := srv.client(t, testPassword, 2)
	if err := capped.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	uids, err = capped.Search(context.Background(), []string{"vinatis.com", "wine.com"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(uids) != 2 || uids[0] != 4 || uids[1] != 2 {
		t.Fatalf("capped Search = %v, want [4 2]", uids)
	}
}

func TestFetchLeavesMessageUnseen(t *testing.T) {
	srv := newTestServer(t)
	raw := srv.add(t, "shop@vinatis.com", "Commande")
	c := srv.client(t, testPassword, 0)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	msg, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(msg.Raw, raw) {
		t.Fatalf("fetched content differs:\n%q\nwant\n%q", msg.Raw, raw)
	}
	if msg.UID != 1 || msg.InternalDate.IsZero() {
		t.Fatalf("unexpected fetch metadata: uid=%d date=%v", msg.UID, msg.InternalDate)
	}

	status, err := srv.user.Status("INBOX", &imapv2.StatusOptions{NumUnseen: true})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.NumUnseen == nil || *status.NumUnseen != 1 {
		t.Fatalf("message was marked seen: %+v", status)
	}
}

func TestFetchReconnectsAfterDroppedConnection(t *testing.T) {
	srv := newTestServer(t)
	srv.add(t, "shop@vinatis.com", "Commande")
	c := srv.client(t, testPassword, 0)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := srv.listener.accepts.Load(); got != 1 {
		t.Fatalf("accepted connections = %d, want 1", got)
	}

	_ = c.client.Close()

	msg, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch after drop: %v", err)
	}
	if len(msg.Raw) == 0 {
		t.Fatal("empty message after reconnect")
	}
	if got := srv.listener.accepts.Load(); got != 2 {
		t.Fatalf("accepted connections = %d, want 2", got)
	}
}
