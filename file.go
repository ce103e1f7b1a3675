package sftpc

import (
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nettich/sftpc/wire"
)

// File represents a remote file open on the server.
//
// A File carries a local read/write cursor used by Read, Write and
// Seek. The cursor is not shared with the server and not synchronised
// across multiple Files or clients holding the same remote file;
// concurrent cursor use on a shared reference is the caller's concern.
// ReadAt and WriteAt take explicit offsets and do not touch the cursor.
type File struct {
	c    *Client
	name string

	mu     sync.Mutex
	handle string
	offset int64
	closed bool
}

// Name returns the name of the file as presented to Open.
func (f *File) Name() string {
	return f.name
}

// current returns the remote handle, verifying the file is still open.
func (f *File) current() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", ErrHandleClosed
	}
	return f.handle, nil
}

// Close closes the File, releasing the remote handle. Operations on a
// closed File fail locally with ErrHandleClosed and send nothing.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return &os.PathError{Op: "close", Path: f.name, Err: ErrHandleClosed}
	}
	f.closed = true

	if err := f.c.closeHandle(f.handle); err != nil {
		return &os.PathError{Op: "close", Path: f.name, Err: err}
	}
	return nil
}

// Read reads up to len(b) bytes from the cursor position, advancing the
// cursor by the number of bytes read. At end of file, Read returns 0,
// io.EOF.
func (f *File) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: ErrHandleClosed}
	}

	n, err := f.readAt(f.handle, b, f.offset)
	f.offset += int64(n)

	if err != nil && err != io.EOF {
		err = &os.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

// ReadAt reads up to len(b) bytes from the file starting at byte offset
// off. It does not affect the cursor.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	handle, err := f.current()
	if err != nil {
		return 0, &os.PathError{Op: "read", Path: f.name, Err: err}
	}

	n, err := f.readAt(handle, b, off)
	if err != nil && err != io.EOF {
		err = &os.PathError{Op: "read", Path: f.name, Err: err}
	}
	return n, err
}

// readAt fills b from offset off, splitting the transfer into chunks of
// at most maxPacket bytes. A server is free to answer with less data
// than requested; the shortfall is simply requested again.
func (f *File) readAt(handle string, b []byte, off int64) (int, error) {
	var n int
	for n < len(b) {
		chunk := b[n:]
		if len(chunk) > int(f.c.maxPacket) {
			chunk = chunk[:f.c.maxPacket]
		}

		data, err := f.c.expectData(&wire.ReadPacket{
			Handle: handle,
			Offset: uint64(off + int64(n)),
			Length: uint32(len(chunk)),
		})
		if err != nil {
			return n, err
		}

		if len(data) > len(chunk) {
			return n, errors.Wrapf(ErrProtocol, "server sent %d bytes for a %d byte read", len(data), len(chunk))
		}
		if len(data) == 0 {
			return n, errors.Wrap(ErrProtocol, "server sent empty data instead of EOF status")
		}

		n += copy(chunk, data)
	}
	return n, nil
}

// Write writes len(b) bytes at the cursor position, advancing the
// cursor by the number of bytes written.
func (f *File) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: ErrHandleClosed}
	}

	n, err := f.writeAt(f.handle, b, f.offset)
	f.offset += int64(n)

	if err != nil {
		err = &os.PathError{Op: "write", Path: f.name, Err: err}
	}
	return n, err
}

// WriteAt writes len(b) bytes to the file starting at byte offset off.
// It does not affect the cursor.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	handle, err := f.current()
	if err != nil {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: err}
	}

	n, err := f.writeAt(handle, b, off)
	if err != nil {
		err = &os.PathError{Op: "write", Path: f.name, Err: err}
	}
	return n, err
}

// writeAt writes b at offset off in chunks of at most maxPacket bytes.
// The protocol has no short-write signal: an OK status acknowledges the
// whole chunk, so n counts acknowledged chunks only.
func (f *File) writeAt(handle string, b []byte, off int64) (int, error) {
	var n int
	for n < len(b) {
		chunk := b[n:]
		if len(chunk) > int(f.c.maxPacket) {
			chunk = chunk[:f.c.maxPacket]
		}

		err := f.c.expectStatus(&wire.WritePacket{
			Handle: handle,
			Offset: uint64(off + int64(n)),
			Data:   chunk,
		})
		if err != nil {
			return n, err
		}

		n += len(chunk)
	}
	return n, nil
}

// Seek sets the cursor for the next Read or Write according to whence:
// io.SeekStart, io.SeekCurrent or io.SeekEnd. Seeking is purely local;
// nothing is sent except the size lookup io.SeekEnd needs.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: ErrHandleClosed}
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		fi, err := f.c.expectAttrs(&wire.FStatPacket{Handle: f.handle})
		if err != nil {
			return f.offset, &os.PathError{Op: "seek", Path: f.name, Err: err}
		}
		size, _ := fi.GetSize()
		offset += int64(size)
	default:
		return f.offset, &os.PathError{Op: "seek", Path: f.name, Err: errors.Errorf("invalid whence: %d", whence)}
	}

	if offset < 0 {
		return f.offset, &os.PathError{Op: "seek", Path: f.name, Err: os.ErrInvalid}
	}

	f.offset = offset
	return f.offset, nil
}

// Stat returns the FileInfo structure describing the file, using the
// open handle rather than the path.
func (f *File) Stat() (os.FileInfo, error) {
	handle, err := f.current()
	if err != nil {
		return nil, &os.PathError{Op: "fstat", Path: f.name, Err: err}
	}

	attrs, err := f.c.expectAttrs(&wire.FStatPacket{Handle: handle})
	if err != nil {
		return nil, &os.PathError{Op: "fstat", Path: f.name, Err: err}
	}
	return fileInfoFromAttrs(path.Base(f.name), attrs), nil
}

// fsetstat applies attrs through the open handle via SSH_FXP_FSETSTAT.
func (f *File) fsetstat(op string, attrs *wire.Attributes) error {
	handle, err := f.current()
	if err != nil {
		return &os.PathError{Op: op, Path: f.name, Err: err}
	}

	err = f.c.expectStatus(&wire.FSetStatPacket{Handle: handle, Attrs: *attrs})
	if err != nil {
		return &os.PathError{Op: op, Path: f.name, Err: err}
	}
	return nil
}

// Truncate sets the size of the file. Setting a size smaller than the
// current size truncates the file; the effect of growing a file is
// server-defined.
func (f *File) Truncate(size int64) error {
	return f.fsetstat("truncate", &wire.Attributes{
		Flags: wire.AttrSize,
		Size:  uint64(size),
	})
}

// Chmod changes the permissions of the file.
func (f *File) Chmod(mode os.FileMode) error {
	return f.fsetstat("chmod", &wire.Attributes{
		Flags:       wire.AttrPermissions,
		Permissions: wire.FromGoFileMode(mode),
	})
}

// Chown changes the user and group owners of the file.
func (f *File) Chown(uid, gid int) error {
	return f.fsetstat("chown", &wire.Attributes{
		Flags: wire.AttrUIDGID,
		UID:   uint32(uid),
		GID:   uint32(gid),
	})
}

// Chtimes changes the access and modification times of the file.
func (f *File) Chtimes(atime, mtime time.Time) error {
	return f.fsetstat("chtimes", &wire.Attributes{
		Flags: wire.AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}
