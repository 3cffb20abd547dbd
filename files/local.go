package files

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
)

// localStore FileStore on top of a local directory
type localStore struct {
	common.Component
	root string
}

// GetLocalStore define a FileStore rooted at dir. The directory is created if missing.
func GetLocalStore(dir string) (FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "files", "component": "local", "instance": abs}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create directory")
		return nil, err
	}
	return &localStore{Component: common.Component{LogTags: logTags}, root: abs}, nil
}

func (l *localStore) resolve(name string) (string, error) {
	if err := ValidateFileName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.root, name), nil
}

// Read opens the named file for reading
func (l *localStore) Read(_ context.Context, name string) (io.ReadCloser, error) {
	full, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Write opens the named file for writing
func (l *localStore) Write(_ context.Context, name string) (io.WriteCloser, error) {
	full, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	log.WithFields(l.LogTags).Debugf("Writing %s", name)
	return os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

// Delete removes the named file
func (l *localStore) Delete(_ context.Context, name string) error {
	full, err := l.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether the named file exists
func (l *localStore) Exists(_ context.Context, name string) (bool, error) {
	full, err := l.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
