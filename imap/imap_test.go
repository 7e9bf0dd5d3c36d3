package imap

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
)

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{Host: "imap.example.com", Port: 993, Username: "me"}, false},
		{"missing host", Options{Port: 993, Username: "me"}, true},
		{"bad port", Options{Host: "imap.example.com", Username: "me"}, true},
		{"missing user", Options{Host: "imap.example.com", Port: 993}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewDefaultsTimeout(t *testing.T) {
	c, err := New(Options{Host: "h", Port: 993, Username: "u"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.opts.Timeout != defaultTimeout {
		t.Fatalf("timeout = %v, want %v", c.opts.Timeout, defaultTimeout)
	}
	if c.folder() != "INBOX" {
		t.Fatalf("folder = %q, want INBOX", c.folder())
	}
}

func TestSearchRequiresConnection(t *testing.T) {
	c, err := New(Options{Host: "h", Port: 993, Username: "u"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Search(context.Background(), []string{"vinatis.com"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Search error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on unconnected client: %v", err)
	}
}

func TestMergeUIDs(t *testing.T) {
	tests := []struct {
		name    string
		results [][]imapv2.UID
		limit   int
		want    []uint32
	}{
		{"empty", nil, 10, []uint32{}},
		{"single domain newest first", [][]imapv2.UID{{3, 7, 5}}, 10, []uint32{7, 5, 3}},
		{"union deduplicates", [][]imapv2.UID{{1, 4}, {4, 9}}, 10, []uint32{9, 4, 1}},
		{"capped", [][]imapv2.UID{{1, 2, 3}, {10, 11}}, 3, []uint32{11, 10, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeUIDs(tt.results, tt.limit)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("mergeUIDs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampMaxResults(t *testing.T) {
	tests := map[int]int{
		-1:   DefaultMaxResults,
		0:    DefaultMaxResults,
		1:    1,
		250:  250,
		500:  500,
		5000: 500,
	}
	for in, want := range tests {
		if got := clampMaxResults(in); got != want {
			t.Errorf("clampMaxResults(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSearchCriteria(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	c := searchCriteria("vinatis.com", true, since)
	if len(c.Or) != 1 {
		t.Fatalf("expected one OR criteria, got %+v", c.Or)
	}
	var values []string
	for _, branch := range c.Or[0] {
		if len(branch.Header) != 1 || branch.Header[0].Key != "From" {
			t.Fatalf("unexpected header criteria: %+v", branch.Header)
		}
		values = append(values, branch.Header[0].Value)
	}
	if fmt.Sprint(values) != "[@vinatis.com .vinatis.com]" {
		t.Fatalf("unexpected header values: %v", values)
	}
	if !c.Since.Equal(since) {
		t.Fatalf("since = %v, want %v", c.Since, since)
	}
	if len(c.NotFlag) != 1 || c.NotFlag[0] != imapv2.FlagSeen {
		t.Fatalf("unseen filter missing: %+v", c.NotFlag)
	}

	c = searchCriteria("vinatis.com", false, time.Time{})
	if len(c.NotFlag) != 0 {
		t.Fatalf("unexpected flag filter: %+v", c.NotFlag)
	}
	if !c.Since.IsZero() {
		t.Fatalf("since should be unset, got %v", c.Since)
	}
}

func TestIsAuthError(t *testing.T) {
	authErr := &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: imapv2.ResponseCodeAuthenticationFailed, Text: "invalid credentials"}
	if !isAuthError(fmt.Errorf("login: %w", authErr)) {
		t.Fatal("expected wrapped AUTHENTICATIONFAILED to be an auth error")
	}
	if isAuthError(errors.New("connection reset by peer")) {
		t.Fatal("transport error must not be an auth error")
	}
	badErr := &imapv2.Error{Type: imapv2.StatusResponseTypeBad, Text: "syntax"}
	if isAuthError(badErr) {
		t.Fatal("BAD response must not be an auth error")
	}
}

func TestSenderOnDomains(t *testing.T) {
	domains := []string{"vinatis.com", "wine.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"vinatis.com", true},
		{"VINATIS.COM", true},
		{"mail.vinatis.com", true},
		{"wine.com", true},
		{"totalwine.com", false},
		{"vinatis.com.evil.org", false},
		{"notvinatis.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := senderOnDomains(tt.host, domains); got != tt.want {
			t.Errorf("senderOnDomains(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestClientOptionsDecodeLegacyCharsets(t *testing.T) {
	c, err := New(Options{Host: "imap.example.com", Port: 993, Username: "u", UseTLS: true}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	options := c.clientOptions()
	if options.TLSConfig == nil || options.TLSConfig.ServerName != "imap.example.com" {
		t.Fatalf("unexpected TLS config: %+v", options.TLSConfig)
	}

	got, err := options.WordDecoder.DecodeHeader("=?windows-1252?q?Ch=E2teau_Margaux?=")
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != "Château Margaux" {
		t.Fatalf("DecodeHeader = %q, want %q", got, "Château Margaux")
	}
}
