package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"heartbeat_bot/internal/model"
)

// Store keeps accounts in a line-oriented text file of
// email:password:installId records. Only those three fields are written;
// session tokens never touch the disk.
type Store struct {
	path string
}

func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load(ctx context.Context) ([]model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read accounts %s: %w", s.path, err)
	}
	return Parse(string(b)), nil
}

// Persist rewrites the whole file through a temp file and rename, so a
// concurrent reader sees either the old or the new contents.
func (s *Store) Persist(ctx context.Context, accounts []model.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(Format(accounts)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist accounts: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		_ = os.Chmod(tmpName, info.Mode().Perm())
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	return nil
}

// Parse reads email:password:installId records. Blank lines are skipped and a
// missing installId leaves the account unresolved.
func Parse(content string) []model.Account {
	var out []model.Account
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		acc := model.Account{Email: parts[0]}
		if len(parts) > 1 {
			acc.Password = parts[1]
		}
		if len(parts) > 2 {
			acc.InstallID = parts[2]
		}
		out = append(out, acc)
	}
	return out
}

func Format(accounts []model.Account) string {
	lines := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		lines = append(lines, acc.Email+":"+acc.Password+":"+acc.InstallID)
	}
	return strings.Join(lines, "\n")
}
