// Package util holds small persistence helpers shared by the daemon.
package util

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

// Persist writes v to filename atomically, XDR encoded.
func Persist(filename string, v any) error {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	if err := atomic.WriteFile(filename, &buf); err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}

	return nil
}

// Load reads filename into v. The returned error wraps fs.ErrNotExist when
// nothing was persisted yet.
func Load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}

	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}

	return nil
}
