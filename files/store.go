// Package files stores the certificate and key files uploaded through the admin API.
//
// Uploads land in a staging area. When a configuration object claims a staged file,
// the file moves into the keystore area.
package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alwitt/mqadmin/common"
)

// MaxFileSize largest accepted upload
const MaxFileSize = 1 << 20

// FileStore a minimal file-oriented store. Paths are flat file names relative to the
// store root. Implementations are safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading. If the file does not exist, an error
	// wrapping os.ErrNotExist is returned.
	Read(ctxt context.Context, name string) (io.ReadCloser, error)
	// Write opens the named file for writing, truncating any existing content. The
	// caller must close the returned WriteCloser to flush data.
	Write(ctxt context.Context, name string) (io.WriteCloser, error)
	// Delete removes the named file. Deleting a missing file is not an error.
	Delete(ctxt context.Context, name string) error
	// Exists reports whether the named file exists
	Exists(ctxt context.Context, name string) (bool, error)
}

// ValidateFileName check a file name is a plain name without any path components
func ValidateFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return common.NewInvalidPropertyValueError("", "", "Name", name)
	}
	if len(name) > 255 {
		return common.NewValueTooLongError("", "", "Name", name)
	}
	return nil
}

// ReadFile read the whole content of a file
func ReadFile(ctxt context.Context, store FileStore, name string) ([]byte, error) {
	reader, err := store.Read(ctxt, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()
	content, err := io.ReadAll(io.LimitReader(reader, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("file %s is larger than %d bytes", name, MaxFileSize)
	}
	return content, nil
}

// WriteFile write the whole content of a file
func WriteFile(ctxt context.Context, store FileStore, name string, content []byte) error {
	writer, err := store.Write(ctxt, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// MoveFile move a file between stores, removing the source once the copy is written
func MoveFile(ctxt context.Context, from FileStore, to FileStore, name string) error {
	content, err := ReadFile(ctxt, from, name)
	if err != nil {
		return err
	}
	if err := WriteFile(ctxt, to, name, content); err != nil {
		return err
	}
	return from.Delete(ctxt, name)
}
