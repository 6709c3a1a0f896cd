package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// instanceFile holds the fallback identity inside the data directory.
const instanceFile = "instance_id"

// instanceSuffix returns the device ID persisted in dataDir, minting a
// UUIDv7 on first use. A file that does not hold a UUID is an error:
// replacing it would move the node to new topics and orphan its Home
// Assistant entities.
func instanceSuffix(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.ParseBytes(bytes.TrimSpace(data))
		if perr != nil {
			return "", fmt.Errorf("instance file %s: %w", path, perr)
		}
		return suffixFromUUID(id), nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read instance file: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	// Rename so a crash never leaves a truncated file behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return suffixFromUUID(id), nil
}

// suffixFromUUID keeps the last three bytes of id, which fall in the
// random section of a UUIDv7.
func suffixFromUUID(id uuid.UUID) string {
	return hex.EncodeToString(id[len(id)-3:])
}
