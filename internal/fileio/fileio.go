// Package fileio provides the filesystem capabilities the engine's sinks
// and the CLI's send path consume: reading a source file for transmission
// and storing a received file under the configured directory.
package fileio

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ReadSource reads the file at path and returns its base name and content.
func ReadSource(path string) (string, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, errors.Wrap(err, "invalid path")
	}
	if info.IsDir() {
		return "", nil, errors.Errorf("invalid path: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrap(err, "error file reading")
	}
	return filepath.Base(info.Name()), data, nil
}

// Store writes a received file into dir, creating the directory when
// needed. The name is reduced to its base to keep writes inside dir.
func Store(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", errors.Wrap(err, "create receive directory")
	}
	dest := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(dest, data, 0o666); err != nil {
		return "", errors.Wrap(err, "write received file")
	}
	return dest, nil
}
