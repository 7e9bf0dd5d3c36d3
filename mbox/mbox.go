package mbox

import (
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/winesync/model"
)

var ErrArchiveClosed = errors.New("mbox archive is closed")

const unknownSender = "MAILER-DAEMON"

// Archive appends raw messages to a local mbox file.
type Archive struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *mboxlib.Writer
	logger *slog.Logger
}

// Open opens path for appending, creating it if needed.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}

	if logger != nil {
		var size int64
		if info, err := file.Stat(); err == nil {
			size = info.Size()
		}
		logger.Debug("mbox archive opened", "path", path, "bytes", size)
	}

	return &Archive{
		path:   path,
		file:   file,
		writer: mboxlib.NewWriter(file),
		logger: logger,
	}, nil
}

// Append writes one message. The envelope sender and date come from the
// parsed email.
func (a *Archive) Append(email model.Email) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return ErrArchiveClosed
	}
	if len(email.Raw) == 0 {
		return fmt.Errorf("message %s has no raw content", email.Label())
	}

	received := email.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	w, err := a.writer.CreateMessage(envelopeSender(email.From), received)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := w.Write(email.Raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}

	if a.logger != nil {
		a.logger.Debug("message archived", "path", a.path, "messageID", email.MessageID)
	}
	return nil
}

// Close flushes the last message and closes the file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return nil
	}
	werr := a.writer.Close()
	ferr := a.file.Close()
	a.writer = nil
	a.file = nil
	if werr != nil {
		return fmt.Errorf("close mbox writer: %w", werr)
	}
	if ferr != nil {
		return fmt.Errorf("close mbox file: %w", ferr)
	}
	return nil
}

func envelopeSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil && addr.Address != "" {
		return addr.Address
	}
	from = strings.TrimSpace(from)
	if from == "" || strings.ContainsAny(from, " \t") {
		return unknownSender
	}
	return from
}
