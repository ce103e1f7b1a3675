package sftpc

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/nettich/sftpc/wire"
)

// Dir represents a remote directory open for reading. Entries are
// produced lazily: one SSH_FXP_READDIR batch is buffered at a time and
// the next is requested only when the buffer runs out. An EOF status
// ends the sequence; no further requests are issued afterwards.
type Dir struct {
	c    *Client
	name string

	mu      sync.Mutex
	handle  string
	pending []*wire.NameEntry
	eof     bool
	closed  bool
}

// Name returns the name of the directory as presented to OpenDir.
func (d *Dir) Name() string {
	return d.name
}

// Close closes the Dir, releasing the remote handle. Exhausting the
// entries does not close the handle; Close always must be called.
// Operations on a closed Dir fail locally with ErrHandleClosed.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return &os.PathError{Op: "close", Path: d.name, Err: ErrHandleClosed}
	}
	d.closed = true

	if err := d.c.closeHandle(d.handle); err != nil {
		return &os.PathError{Op: "close", Path: d.name, Err: err}
	}
	return nil
}

// fill requests the next batch of entries from the server. It reports
// io.EOF once the server has signalled the end of the directory.
func (d *Dir) fill() error {
	if d.eof {
		return io.EOF
	}

	entries, err := d.c.expectName(&wire.ReadDirPacket{Handle: d.handle})
	if err != nil {
		if err == io.EOF {
			d.eof = true
		}
		return err
	}

	if len(entries) == 0 {
		return errors.Wrap(ErrProtocol, "empty name reply instead of EOF status")
	}

	d.pending = entries
	return nil
}

// ReadDir reads the contents of the directory and returns a slice of up
// to n FileInfo values, in the order the server produced them. The "."
// and ".." entries are omitted.
//
// If n > 0, ReadDir returns at most n entries, and io.EOF once the
// directory is exhausted. If n <= 0, ReadDir returns all remaining
// entries in a single slice, and exhaustion is not an error.
func (d *Dir) ReadDir(n int) ([]os.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, &os.PathError{Op: "readdir", Path: d.name, Err: ErrHandleClosed}
	}

	var infos []os.FileInfo
	for n <= 0 || len(infos) < n {
		if len(d.pending) == 0 {
			err := d.fill()
			if err == io.EOF {
				break
			}
			if err != nil {
				return infos, &os.PathError{Op: "readdir", Path: d.name, Err: err}
			}
		}

		for len(d.pending) > 0 && (n <= 0 || len(infos) < n) {
			e := d.pending[0]
			d.pending = d.pending[1:]

			if e.Filename == "." || e.Filename == ".." {
				continue
			}
			infos = append(infos, fileInfoFromAttrs(e.Filename, &e.Attrs))
		}
	}

	if n > 0 && len(infos) == 0 {
		return nil, io.EOF
	}
	return infos, nil
}
