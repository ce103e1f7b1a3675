package sftpc

import (
	"errors"
	"os"

	"github.com/nettich/sftpc/wire"
)

// Extensions implemented by OpenSSH and advertised through the version
// handshake. Methods depending on one fail with errors.ErrUnsupported
// when the server did not advertise it.
const (
	extPosixRename = "posix-rename@openssh.com"
	extHardlink    = "hardlink@openssh.com"
	extFsync       = "fsync@openssh.com"
	extStatVFS     = "statvfs@openssh.com"
	extFStatVFS    = "fstatvfs@openssh.com"
)

func (c *Client) extStatus(name string, fields ...string) error {
	if _, ok := c.exts[name]; !ok {
		return errors.ErrUnsupported
	}

	buf := wire.NewBuffer(nil)
	for _, f := range fields {
		buf.AppendString(f)
	}

	return c.expectStatus(&wire.ExtendedPacket{
		ExtendedRequest: name,
		Data:            buf.Bytes(),
	})
}

// PosixRename renames oldname to newname with POSIX semantics: newname
// is replaced atomically if it already exists.
func (c *Client) PosixRename(oldname, newname string) error {
	err := c.extStatus(extPosixRename, oldname, newname)
	if err != nil {
		return &os.LinkError{Op: "posix-rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

// Link creates newname as a hard link to the oldname file.
func (c *Client) Link(oldname, newname string) error {
	err := c.extStatus(extHardlink, oldname, newname)
	if err != nil {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: err}
	}
	return nil
}

// Sync commits the file's current contents to stable storage on the
// server.
func (f *File) Sync() error {
	handle, err := f.current()
	if err != nil {
		return &os.PathError{Op: "fsync", Path: f.name, Err: err}
	}

	if err := f.c.extStatus(extFsync, handle); err != nil {
		return &os.PathError{Op: "fsync", Path: f.name, Err: err}
	}
	return nil
}

// StatVFS mirrors the POSIX statvfs structure, as carried by the
// statvfs@openssh.com reply.
type StatVFS struct {
	Bsize   uint64 // file system block size
	Frsize  uint64 // fundamental fs block size
	Blocks  uint64 // number of blocks (unit f_frsize)
	Bfree   uint64 // free blocks in file system
	Bavail  uint64 // free blocks for non-root
	Files   uint64 // total file inodes
	Ffree   uint64 // free file inodes
	Favail  uint64 // free file inodes for non-root
	Fsid    uint64 // file system id
	Flag    uint64 // bit mask of f_flag values
	Namemax uint64 // maximum filename length
}

// TotalSpace returns the amount of total space in a filesystem in bytes.
func (p *StatVFS) TotalSpace() uint64 {
	return p.Frsize * p.Blocks
}

// FreeSpace returns the amount of free space in a filesystem in bytes.
func (p *StatVFS) FreeSpace() uint64 {
	return p.Frsize * p.Bfree
}

func (p *StatVFS) unmarshalFrom(data []byte) error {
	buf := wire.NewBuffer(data)

	for _, field := range []*uint64{
		&p.Bsize, &p.Frsize, &p.Blocks, &p.Bfree, &p.Bavail,
		&p.Files, &p.Ffree, &p.Favail, &p.Fsid, &p.Flag, &p.Namemax,
	} {
		v, err := buf.ConsumeUint64()
		if err != nil {
			return err
		}
		*field = v
	}

	return nil
}

func (c *Client) statVFS(name, op, arg, path string) (*StatVFS, error) {
	if _, ok := c.exts[name]; !ok {
		return nil, &os.PathError{Op: op, Path: path, Err: errors.ErrUnsupported}
	}

	buf := wire.NewBuffer(nil)
	buf.AppendString(arg)

	data, err := c.Extended(name, buf.Bytes())
	if err != nil {
		return nil, &os.PathError{Op: op, Path: path, Err: err}
	}

	var st StatVFS
	if err := st.unmarshalFrom(data); err != nil {
		return nil, &os.PathError{Op: op, Path: path, Err: err}
	}
	return &st, nil
}

// StatVFS retrieves VFS statistics from the remote filesystem holding
// the named path.
func (c *Client) StatVFS(p string) (*StatVFS, error) {
	return c.statVFS(extStatVFS, "statvfs", p, p)
}

// StatVFS retrieves VFS statistics from the remote filesystem holding
// the open file.
func (f *File) StatVFS() (*StatVFS, error) {
	handle, err := f.current()
	if err != nil {
		return nil, &os.PathError{Op: "fstatvfs", Path: f.name, Err: err}
	}
	return f.c.statVFS(extFStatVFS, "fstatvfs", handle, f.name)
}
