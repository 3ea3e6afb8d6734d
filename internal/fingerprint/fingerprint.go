// Package fingerprint remembers which upload session belongs to which local
// file, so an interrupted upload can be found again after a restart.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// FileInfo is what a fingerprint is derived from.
type FileInfo struct {
	Path    string
	Name    string
	Size    int64
	Type    string
	ModTime time.Time
}

// Stat describes a local file. The type is guessed from the extension.
func Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	if fi.IsDir() {
		return FileInfo{}, fmt.Errorf("%s is a directory", path)
	}
	return FileInfo{
		Path:    path,
		Name:    fi.Name(),
		Size:    fi.Size(),
		Type:    mime.TypeByExtension(filepath.Ext(fi.Name())),
		ModTime: fi.ModTime(),
	}, nil
}

// Of returns the fingerprint of a file. Equal name, size, type and
// modification time (to the millisecond) give equal fingerprints.
func Of(f FileInfo) string {
	return Fingerprint(f.Name, f.Size, f.Type, f.ModTime)
}

// Fingerprint hashes the identifying attributes of a file.
func Fingerprint(name string, size int64, fileType string, modTime time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%d", name, size, fileType, modTime.UnixMilli())
	return "tus-" + hex.EncodeToString(h.Sum(nil))
}
