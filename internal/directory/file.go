package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk layout of a users file:
//
//	users:
//	  - username: bob
//	    name: Bob Example
//	    aliases: [postmaster]
type fileFormat struct {
	Users []User `yaml:"users"`
}

// File is a Directory backed by a YAML users file. The file is read at
// construction and on Reload; lookups are served from memory.
type File struct {
	path string
	mem  *Memory
}

// LoadFile reads the users file at path.
func LoadFile(path string) (*File, error) {
	f := &File{path: path, mem: NewMemory()}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the users file. On error the previous user set is kept.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}

	users, err := ParseUsers(data)
	if err != nil {
		return err
	}

	f.mem.Replace(users)
	slog.Info("loaded user directory", "path", f.path, "users", len(users))
	return nil
}

// FindLocalUser looks up a user by local-part or alias.
func (f *File) FindLocalUser(ctx context.Context, localPart string) (User, error) {
	return f.mem.FindLocalUser(ctx, localPart)
}

// ParseUsers decodes a YAML users document and validates it.
func ParseUsers(data []byte) ([]User, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	seen := make(map[string]bool)
	for i, u := range doc.Users {
		if strings.TrimSpace(u.Username) == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if strings.ContainsAny(u.Username, "@/\\ ") {
			return nil, fmt.Errorf("users[%d]: invalid username %q", i, u.Username)
		}
		for _, key := range append([]string{u.Username}, u.Aliases...) {
			k := strings.ToLower(key)
			if seen[k] {
				return nil, fmt.Errorf("users[%d]: duplicate name %q", i, key)
			}
			seen[k] = true
		}
	}

	return doc.Users, nil
}

var _ Directory = (*File)(nil)
