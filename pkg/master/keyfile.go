package master

import (
	"fmt"
	"os"
)

// readKeyFile reads a 32-byte AES-256 key from path.
func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("encryption key file must contain exactly 32 bytes, got %d", len(data))
	}
	return data, nil
}
