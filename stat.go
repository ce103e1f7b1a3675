package sftpc

import (
	"io/fs"
	"os"
	"time"

	"github.com/nettich/sftpc/wire"
)

// fileInfo presents remote attributes through the os.FileInfo interface.
type fileInfo struct {
	name  string
	attrs *wire.Attributes
}

func fileInfoFromAttrs(name string, attrs *wire.Attributes) os.FileInfo {
	return &fileInfo{name: name, attrs: attrs}
}

func (fi *fileInfo) Name() string { return fi.name }

func (fi *fileInfo) Size() int64 {
	size, _ := fi.attrs.GetSize()
	return int64(size)
}

func (fi *fileInfo) Mode() fs.FileMode {
	perms, _ := fi.attrs.GetPermissions()
	return wire.ToGoFileMode(perms)
}

func (fi *fileInfo) ModTime() time.Time {
	_, mtime, _ := fi.attrs.GetACModTime()
	return time.Unix(int64(mtime), 0)
}

func (fi *fileInfo) IsDir() bool { return fi.Mode().IsDir() }

// Sys returns the underlying *wire.Attributes, giving access to fields
// the os.FileInfo interface does not cover (uid, gid, atime).
func (fi *fileInfo) Sys() interface{} { return fi.attrs }
