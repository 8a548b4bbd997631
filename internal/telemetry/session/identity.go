package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// UserIDFile is the file under the data dir holding the installation's user ID.
const UserIDFile = "user_id"

// GenerateUserID returns id-{FNV-32a of hostInfo as 8 hex digits}-{yyyyMMddHHmmss UTC}.
func GenerateUserID(hostInfo string, at time.Time) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostInfo))
	return fmt.Sprintf("id-%08X-%s", h.Sum32(), at.UTC().Format("20060102150405"))
}

// HostInfo concatenates the host descriptors hashed into a new user ID.
func HostInfo() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s%s%s%d", host, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

// LoadOrCreateUserID returns the user ID stored in dir, generating and persisting one on first run.
// The ID is stable across runs of the same installation.
func LoadOrCreateUserID(dir string, now time.Time) (string, error) {
	path := filepath.Join(dir, UserIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("session: read user id: %w", err)
	}

	id := GenerateUserID(HostInfo(), now)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("session: write user id: %w", err)
	}
	return id, nil
}
