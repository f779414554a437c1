// Package maildir implements a Sink that delivers into per-user Maildir
// folders with a MessagePack metadata sidecar per message.
package maildir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/parser"
	"github.com/shineum/smtp-inbox-lite/internal/store"
)

// Layout under the root directory:
//
//	<root>/<user>/tmp/<ref>            in-flight write
//	<root>/<user>/new/<ref>.eml        delivered, unread
//	<root>/<user>/cur/                 reserved for mail readers
//	<root>/<user>/meta/<ref>.msgpack   envelope metadata
var subdirs = []string{"tmp", "new", "cur", "meta"}

// Sink writes messages below a root directory.
type Sink struct {
	root string
}

// New creates a maildir Sink rooted at root, creating it if needed.
func New(root string) (*Sink, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create maildir root: %w", err)
	}
	return &Sink{root: root}, nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "maildir"
}

// StoreAndAssign writes the message into the user's new/ folder. The file
// appears there only after it has been fully written and synced.
func (s *Sink) StoreAndAssign(ctx context.Context, msg *email.Message, user directory.User) (store.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	base, err := s.ensureUserDirs(user.Username)
	if err != nil {
		return "", err
	}

	ref := store.NewRef(msg.ReceivedAt)
	tmpPath := filepath.Join(base, "tmp", string(ref))
	newPath := filepath.Join(base, "new", string(ref)+".eml")

	data := fmt.Sprintf("Return-Path: <%s>\n%s", msg.From, msg.Content)
	if err := writeSynced(tmpPath, []byte(data)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	if err := s.writeMeta(base, ref, msg, user); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		os.Remove(s.metaPath(base, ref))
		return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	slog.Debug("stored message",
		"ref", ref,
		"user", user.Username,
		"size", msg.Size(),
	)
	return ref, nil
}

// Path returns the delivered file path for a reference.
func (s *Sink) Path(username string, ref store.Ref) string {
	return filepath.Join(s.root, username, "new", string(ref)+".eml")
}

// ReadMeta loads the metadata sidecar for a delivered message.
func (s *Sink) ReadMeta(username string, ref store.Ref) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(filepath.Join(s.root, username), ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	m := &Meta{}
	if _, err := m.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func (s *Sink) ensureUserDirs(username string) (string, error) {
	if username == "" || filepath.Base(username) != username {
		return "", fmt.Errorf("maildir: invalid username %q", username)
	}

	base := filepath.Join(s.root, username)
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o750); err != nil {
			return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}
	return base, nil
}

func (s *Sink) metaPath(base string, ref store.Ref) string {
	return filepath.Join(base, "meta", string(ref)+".msgpack")
}

func (s *Sink) writeMeta(base string, ref store.Ref, msg *email.Message, user directory.User) error {
	meta := &Meta{
		Ref:        string(ref),
		User:       user.Username,
		From:       msg.From,
		To:         msg.To,
		Size:       int64(msg.Size()),
		ReceivedAt: msg.ReceivedAt,
	}

	if summary, err := parser.ParseString(msg.Content); err == nil {
		meta.Subject = summary.Subject
		meta.MessageID = summary.MessageID
	}

	data, err := meta.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return writeSynced(s.metaPath(base, ref), data)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var _ store.Sink = (*Sink)(nil)
