package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/dhcgn/winesync/model"
)

const (
	DefaultMaxResults = 100
	maxResultsLimit   = 500
	defaultTimeout    = 60 * time.Second
)

var (
	ErrAuthFailed    = errors.New("imap authentication failed")
	ErrNotConnected  = errors.New("imap client is not connected")
	ErrEmptyResponse = errors.New("imap fetch returned no content")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	UnseenOnly         bool
	SinceDays          int
	MaxResults         int
	Timeout            time.Duration
}

// Client reads candidate messages from one mailbox folder. It never changes
// message flags: the folder is selected read-only and bodies are fetched with
// BODY.PEEK.
type Client struct {
	opts   Options
	logger *slog.Logger
	client *imapclient.Client
	now    func() time.Time
}

func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{opts: opts, logger: logger, now: time.Now}, nil
}

// Connect dials, authenticates and selects the folder. Calling it on an open
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.dial()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	if err := client.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = client.Close()
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("imap login: %w", err)
	}

	folder := c.folder()
	data, err := client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("select mailbox %s: %w", folder, err)
	}

	c.client = client
	if c.logger != nil {
		c.logger.Debug("imap connection established", "host", c.opts.Host, "user", c.opts.Username, "folder", folder, "messages", data.NumMessages, "tls", c.opts.UseTLS)
	}
	return nil
}

// Search returns the UIDs of messages sent from any of the given domains or
// their subdomains, newest first and capped at MaxResults.
func (c *Client) Search(ctx context.Context, domains []string) ([]uint32, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	stop := c.closeOnDone(ctx)
	defer stop()

	since := time.Time{}
	if c.opts.SinceDays > 0 {
		since = c.now().AddDate(0, 0, -c.opts.SinceDays)
	}

	results := make([][]imapv2.UID, 0, len(domains))
	for _, domain := range domains {
		data, err := c.client.UIDSearch(searchCriteria(domain, c.opts.UnseenOnly, since), nil).Wait()
		if err != nil {
			c.drop()
			return nil, fmt.Errorf("search messages from %s: %w", domain, err)
		}
		uids := data.AllUIDs()
		if c.logger != nil {
			c.logger.Debug("imap search", "domain", domain, "matches", len(uids))
		}
		results = append(results, uids)
	}

	candidates := mergeUIDs(results, 0)
	matched, err := c.matchSenders(candidates, domains)
	if err != nil {
		c.drop()
		return nil, err
	}

	limit := clampMaxResults(c.opts.MaxResults)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// matchSenders keeps the UIDs whose envelope sender is on one of domains.
// Header search is a substring match, so "wine.com" also finds
// "totalwine.com".
func (c *Client) matchSenders(uids []uint32, domains []string) ([]uint32, error) {
	if len(uids) == 0 {
		return uids, nil
	}

	set := make([]imapv2.UID, len(uids))
	for i, uid := range uids {
		set[i] = imapv2.UID(uid)
	}
	buffers, err := c.client.Fetch(imapv2.UIDSetNum(set...), &imapv2.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	keep := make(map[uint32]bool, len(buffers))
	for _, buf := range buffers {
		uid := uint32(buf.UID)
		if buf.Envelope == nil || len(buf.Envelope.From) == 0 {
			keep[uid] = true
			continue
		}
		host := buf.Envelope.From[0].Host
		if senderOnDomains(host, domains) {
			keep[uid] = true
		} else if c.logger != nil {
			c.logger.Debug("imap search match skipped", "uid", uid, "host", host, "subject", buf.Envelope.Subject)
		}
	}

	matched := make([]uint32, 0, len(keep))
	for _, uid := range uids {
		if keep[uid] {
			matched = append(matched, uid)
		}
	}
	return matched, nil
}

// Fetch downloads the full message. A failed fetch reconnects and is tried
// once more.
func (c *Client) Fetch(ctx context.Context, uid uint32) (model.RawMessage, error) {
	msg, err := c.fetchOnce(ctx, uid)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrEmptyResponse) {
		return msg, err
	}

	if c.logger != nil {
		c.logger.Warn("imap fetch failed, reconnecting", "uid", uid, "err", err)
	}
	c.drop()
	if cerr := c.Connect(ctx); cerr != nil {
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: %w (reconnect: %v)", uid, err, cerr)
	}
	return c.fetchOnce(ctx, uid)
}

func (c *Client) fetchOnce(ctx context.Context, uid uint32) (model.RawMessage, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return model.RawMessage{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	stop := c.closeOnDone(ctx)
	defer stop()

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	buffers, err := c.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), options).Collect()
	if err != nil {
		if ctx.Err() != nil {
			c.drop()
			return model.RawMessage{}, fmt.Errorf("fetch uid %d: %w", uid, ctx.Err())
		}
		return model.RawMessage{}, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(buffers) == 0 {
		return model.RawMessage{}, fmt.Errorf("uid %d: %w", uid, ErrEmptyResponse)
	}

	raw := buffers[0].FindBodySection(section)
	if len(raw) == 0 {
		return model.RawMessage{}, fmt.Errorf("uid %d: %w", uid, ErrEmptyResponse)
	}

	return model.RawMessage{UID: uid, InternalDate: buffers[0].InternalDate, Raw: raw}, nil
}

// Close logs out and releases the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	client := c.client
	c.client = nil

	if err := client.Logout().Wait(); err != nil && c.logger != nil {
		c.logger.Warn("imap logout failed", "err", err)
	}
	if err := client.Close(); err != nil {
		if c.logger != nil {
			c.logger.Debug("imap connection closed", "err", err)
		}
	}
	return nil
}

func (c *Client) dial() (*imapclient.Client, error) {
	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	options := c.clientOptions()

	var (
		client *imapclient.Client
		err    error
	)

	if c.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	return client, nil
}

func (c *Client) clientOptions() *imapclient.Options {
	options := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
	if c.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		}
	}
	return options
}

// closeOnDone closes the connection when ctx ends before the returned stop
// function is called. A closed connection is dropped so the next call
// reconnects.
func (c *Client) closeOnDone(ctx context.Context) func() bool {
	client := c.client
	return context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
}

func (c *Client) drop() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

func (c *Client) folder() string {
	if c.opts.Folder == "" {
		return "INBOX"
	}
	return c.opts.Folder
}

func searchCriteria(domain string, unseenOnly bool, since time.Time) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{
		Or: [][2]imapv2.SearchCriteria{{
			{Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: "@" + domain}}},
			{Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: "." + domain}}},
		}},
		Since: since,
	}
	if unseenOnly {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}
	return criteria
}

func senderOnDomains(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for _, domain := range domains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// mergeUIDs unions the search results, newest (highest UID) first.
func mergeUIDs(results [][]imapv2.UID, limit int) []uint32 {
	seen := make(map[imapv2.UID]struct{})
	merged := make([]uint32, 0)
	for _, uids := range results {
		for _, uid := range uids {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			merged = append(merged, uint32(uid))
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] > merged[j] })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func clampMaxResults(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxResults
	case n > maxResultsLimit:
		return maxResultsLimit
	default:
		return n
	}
}

func isAuthError(err error) bool {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return respErr.Code == imapv2.ResponseCodeAuthenticationFailed ||
			respErr.Code == imapv2.ResponseCodeAuthorizationFailed ||
			respErr.Type == imapv2.StatusResponseTypeNo
	}
	return false
}
