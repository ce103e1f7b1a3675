package sftpc

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/nettich/sftpc/wire"
)

// Client represents an SFTP session on a conn (presumably an SSH
// connection). Multiple Clients can be active on a single SSH
// connection, and a Client may be called concurrently from multiple
// goroutines.
type Client struct {
	conn *clientConn

	exts map[string]string

	maxPacket uint32 // max transfer chunk size
}

// ClientOption configures a Client before the protocol handshake runs.
type ClientOption func(*Client) error

// MaxPacket sets the maximum size in bytes of the payload chunk used by
// read and write transfers. The minimum is 1024 bytes, and the maximum
// leaves room for the frame header within the 256 KiB message cap.
func MaxPacket(size int) ClientOption {
	return func(c *Client) error {
		if size < 1024 {
			return errors.Errorf("size must be greater or equal to 1024, got %d", size)
		}
		if size > maxMsgLength-1024 {
			return errors.Errorf("size must be less or equal to %d, got %d", maxMsgLength-1024, size)
		}

		c.maxPacket = uint32(size)
		return nil
	}
}

// NewClient creates a new SFTP client on conn, using zero or more
// options.
func NewClient(conn *ssh.Client, opts ...ClientOption) (*Client, error) {
	s, err := conn.NewSession()
	if err != nil {
		return nil, err
	}
	if err := s.RequestSubsystem("sftp"); err != nil {
		return nil, err
	}
	pw, err := s.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, err := s.StdoutPipe()
	if err != nil {
		return nil, err
	}

	return NewClientPipe(pr, pw, opts...)
}

// NewClientPipe creates a new SFTP client given a Reader and a
// WriteCloser. This can be used for connecting to an SFTP server over
// TCP/TLS or by using the system's ssh client program (e.g. via
// exec.Command).
//
// The client performs the version handshake before returning: the
// server must speak protocol version 3.
func NewClientPipe(rd io.Reader, wr io.WriteCloser, opts ...ClientOption) (*Client, error) {
	c := &Client{
		maxPacket: defaultMaxPacket,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			wr.Close()
			return nil, err
		}
	}

	c.conn = newClientConn(rd, wr, maxMsgLength)

	exts, err := c.conn.handshake()
	if err != nil {
		wr.Close()
		return nil, err
	}
	c.exts = exts

	go c.conn.recvLoop()

	return c, nil
}

// HasExtension returns whether the server advertised the named
// extension during the handshake, along with its data field.
func (c *Client) HasExtension(name string) (string, bool) {
	data, ok := c.exts[name]
	return data, ok
}

// Close closes the SFTP session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Wait blocks until the session has shut down, and returns the error
// that caused the shutdown.
func (c *Client) Wait() error {
	return c.conn.Wait()
}

// sendPacket dispatches req and blocks for its reply. It decodes the
// reply into its typed form; decode failures poison the session.
func (c *Client) sendPacket(req wire.Packet) (wire.Packet, error) {
	_, ch, err := c.conn.dispatch(req)
	if err != nil {
		return nil, err
	}

	res := <-ch
	if res.err != nil {
		return nil, res.err
	}

	pkt, err := res.pkt.Decode()
	if err != nil {
		err = errors.Wrapf(ErrProtocol, "decode %v reply: %v", res.pkt.PacketType, err)
		c.conn.failAll(err)
		return nil, err
	}

	return pkt, nil
}

// kindMismatch reports a reply whose kind matches neither the expected
// type nor SSH_FXP_STATUS. Replies can no longer be trusted to match
// requests, so the session shuts down.
func (c *Client) kindMismatch(req, got wire.Packet) error {
	err := errors.Wrapf(ErrProtocol, "unexpected reply %v to %v", got.Type(), req.Type())
	c.conn.failAll(err)
	return err
}

// unexpectedOK reports a well-formed OK status in a context where the
// server should have answered with data. Callers get an error; the
// session survives.
func unexpectedOK(req wire.Packet) error {
	return errors.Wrapf(ErrProtocol, "unexpected OK status in reply to %v", req.Type())
}

func (c *Client) expectStatus(req wire.Packet) error {
	pkt, err := c.sendPacket(req)
	if err != nil {
		return err
	}

	status, ok := pkt.(*wire.StatusPacket)
	if !ok {
		return c.kindMismatch(req, pkt)
	}

	return statusToError(status)
}

func (c *Client) expectHandle(req wire.Packet) (string, error) {
	pkt, err := c.sendPacket(req)
	if err != nil {
		return "", err
	}

	switch pkt := pkt.(type) {
	case *wire.HandlePacket:
		return pkt.Handle, nil
	case *wire.StatusPacket:
		if err := statusToError(pkt); err != nil {
			return "", err
		}
		return "", unexpectedOK(req)
	default:
		return "", c.kindMismatch(req, pkt)
	}
}

func (c *Client) expectAttrs(req wire.Packet) (*wire.Attributes, error) {
	pkt, err := c.sendPacket(req)
	if err != nil {
		return nil, err
	}

	switch pkt := pkt.(type) {
	case *wire.AttrsPacket:
		return &pkt.Attrs, nil
	case *wire.StatusPacket:
		if err := statusToError(pkt); err != nil {
			return nil, err
		}
		return nil, unexpectedOK(req)
	default:
		return nil, c.kindMismatch(req, pkt)
	}
}

func (c *Client) expectName(req wire.Packet) ([]*wire.NameEntry, error) {
	pkt, err := c.sendPacket(req)
	if err != nil {
		return nil, err
	}

	switch pkt := pkt.(type) {
	case *wire.NamePacket:
		return pkt.Entries, nil
	case *wire.StatusPacket:
		if err := statusToError(pkt); err != nil {
			return nil, err
		}
		return nil, unexpectedOK(req)
	default:
		return nil, c.kindMismatch(req, pkt)
	}
}

// expectSingleName finalizes requests that answer with a SSH_FXP_NAME
// holding exactly one entry (READLINK, REALPATH).
func (c *Client) expectSingleName(req wire.Packet) (string, error) {
	entries, err := c.expectName(req)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		return "", errors.Wrapf(ErrProtocol, "expected one name entry in reply to %v, got %d", req.Type(), len(entries))
	}
	return entries[0].Filename, nil
}

func (c *Client) expectData(req wire.Packet) ([]byte, error) {
	pkt, err := c.sendPacket(req)
	if err != nil {
		return nil, err
	}

	switch pkt := pkt.(type) {
	case *wire.DataPacket:
		return pkt.Data, nil
	case *wire.StatusPacket:
		if err := statusToError(pkt); err != nil {
			return nil, err
		}
		return nil, unexpectedOK(req)
	default:
		return nil, c.kindMismatch(req, pkt)
	}
}

func (c *Client) closeHandle(handle string) error {
	return c.expectStatus(&wire.ClosePacket{Handle: handle})
}

// Stat returns a FileInfo structure describing the file specified by
// path p. If p is a symbolic link, the returned FileInfo describes the
// referent file.
func (c *Client) Stat(p string) (os.FileInfo, error) {
	attrs, err := c.expectAttrs(&wire.StatPacket{Path: p})
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: p, Err: err}
	}
	return fileInfoFromAttrs(path.Base(p), attrs), nil
}

// Lstat returns a FileInfo structure describing the file specified by
// path p. If p is a symbolic link, the returned FileInfo describes the
// link itself.
func (c *Client) Lstat(p string) (os.FileInfo, error) {
	attrs, err := c.expectAttrs(&wire.LStatPacket{Path: p})
	if err != nil {
		return nil, &os.PathError{Op: "lstat", Path: p, Err: err}
	}
	return fileInfoFromAttrs(path.Base(p), attrs), nil
}

// ReadLink reads the target of a symbolic link.
func (c *Client) ReadLink(p string) (string, error) {
	target, err := c.expectSingleName(&wire.ReadLinkPacket{Path: p})
	if err != nil {
		return "", &os.PathError{Op: "readlink", Path: p, Err: err}
	}
	return target, nil
}

// RealPath canonicalises p on the server, resolving "..", "." and
// symbolic links.
func (c *Client) RealPath(p string) (string, error) {
	canon, err := c.expectSingleName(&wire.RealPathPacket{Path: p})
	if err != nil {
		return "", &os.PathError{Op: "realpath", Path: p, Err: err}
	}
	return canon, nil
}

// Getwd returns the current working directory of the server.
func (c *Client) Getwd() (string, error) {
	return c.RealPath(".")
}

// Rename renames the file oldname to newname. It uses the
// posix-rename@openssh.com extension when the server advertises it,
// which allows newname to be overwritten atomically; the base protocol
// rename fails when newname exists.
func (c *Client) Rename(oldname, newname string) error {
	if _, ok := c.exts[extPosixRename]; ok {
		return c.PosixRename(oldname, newname)
	}

	err := c.expectStatus(&wire.RenamePacket{OldPath: oldname, NewPath: newname})
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

// Symlink creates a symbolic link at newname pointing at oldname.
func (c *Client) Symlink(oldname, newname string) error {
	err := c.expectStatus(&wire.SymlinkPacket{LinkPath: newname, TargetPath: oldname})
	if err != nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: err}
	}
	return nil
}

// Remove removes the named file. It fails for directories; use
// RemoveDirectory for those.
func (c *Client) Remove(p string) error {
	err := c.expectStatus(&wire.RemovePacket{Path: p})
	if err != nil {
		return &os.PathError{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// RemoveDirectory removes the named empty directory.
func (c *Client) RemoveDirectory(p string) error {
	err := c.expectStatus(&wire.RmdirPacket{Path: p})
	if err != nil {
		return &os.PathError{Op: "rmdir", Path: p, Err: err}
	}
	return nil
}

// Mkdir creates the specified directory. Parent directories must
// already exist.
func (c *Client) Mkdir(p string) error {
	err := c.expectStatus(&wire.MkdirPacket{Path: p})
	if err != nil {
		return &os.PathError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

// MkdirAll creates a directory named p, along with any necessary
// parents, and returns nil, or else returns an error. If p is already a
// directory, MkdirAll does nothing and returns nil.
func (c *Client) MkdirAll(p string) error {
	// Fast path: if we can tell whether p is a directory or file, stop with success or error.
	dir, err := c.Stat(p)
	if err == nil {
		if dir.IsDir() {
			return nil
		}
		return &os.PathError{Op: "mkdir", Path: p, Err: errors.New("not a directory")}
	}

	// Slow path: make sure parent exists and then call Mkdir for p.
	i := len(p)
	for i > 0 && p[i-1] == '/' { // Skip trailing path separator.
		i--
	}

	j := i
	for j > 0 && p[j-1] != '/' { // Scan backward over element.
		j--
	}

	if j > 1 {
		// Create parent
		err = c.MkdirAll(p[0 : j-1])
		if err != nil {
			return err
		}
	}

	// Parent now exists; invoke Mkdir and use its result.
	err = c.Mkdir(p)
	if err != nil {
		// Handle arguments like "foo/." by
		// double-checking that directory doesn't exist.
		dir, err1 := c.Lstat(p)
		if err1 == nil && dir.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

// setstat applies attrs to the named path via SSH_FXP_SETSTAT.
func (c *Client) setstat(op, p string, attrs *wire.Attributes) error {
	err := c.expectStatus(&wire.SetStatPacket{Path: p, Attrs: *attrs})
	if err != nil {
		return &os.PathError{Op: op, Path: p, Err: err}
	}
	return nil
}

// Chmod changes the permissions of the named file.
func (c *Client) Chmod(p string, mode os.FileMode) error {
	return c.setstat("chmod", p, &wire.Attributes{
		Flags:       wire.AttrPermissions,
		Permissions: wire.FromGoFileMode(mode),
	})
}

// Chown changes the user and group owners of the named file.
func (c *Client) Chown(p string, uid, gid int) error {
	return c.setstat("chown", p, &wire.Attributes{
		Flags: wire.AttrUIDGID,
		UID:   uint32(uid),
		GID:   uint32(gid),
	})
}

// Chtimes changes the access and modification times of the named file.
func (c *Client) Chtimes(p string, atime time.Time, mtime time.Time) error {
	return c.setstat("chtimes", p, &wire.Attributes{
		Flags: wire.AttrACModTime,
		ATime: uint32(atime.Unix()),
		MTime: uint32(mtime.Unix()),
	})
}

// Truncate sets the size of the named file. Setting a size smaller than
// the current size truncates the file; the effect of growing a file is
// server-defined.
func (c *Client) Truncate(p string, size int64) error {
	return c.setstat("truncate", p, &wire.Attributes{
		Flags: wire.AttrSize,
		Size:  uint64(size),
	})
}

// Open opens the named file for reading.
func (c *Client) Open(p string) (*File, error) {
	return c.OpenFile(p, os.O_RDONLY)
}

// Create creates the named file, truncating it if it already exists,
// and opens it for reading and writing.
func (c *Client) Create(p string) (*File, error) {
	return c.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
}

// OpenFile opens the named file with the specified os.O_* flags.
func (c *Client) OpenFile(p string, flag int) (*File, error) {
	handle, err := c.expectHandle(&wire.OpenPacket{
		Filename: p,
		PFlags:   toPflags(flag),
	})
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: p, Err: err}
	}

	return &File{c: c, name: p, handle: handle}, nil
}

// OpenDir opens the named directory for reading its entries.
func (c *Client) OpenDir(p string) (*Dir, error) {
	handle, err := c.expectHandle(&wire.OpenDirPacket{Path: p})
	if err != nil {
		return nil, &os.PathError{Op: "opendir", Path: p, Err: err}
	}

	return &Dir{c: c, name: p, handle: handle}, nil
}

// ReadDir reads the named directory and returns a list of directory
// entries. The "." and ".." entries are omitted.
func (c *Client) ReadDir(p string) ([]os.FileInfo, error) {
	d, err := c.OpenDir(p)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	return d.ReadDir(-1)
}

// Extended sends a raw extension request and returns the raw reply
// data. It exists for extensions the Client has no typed method for;
// interpreting data in both directions is up to the caller.
func (c *Client) Extended(name string, data []byte) ([]byte, error) {
	req := &wire.ExtendedPacket{ExtendedRequest: name, Data: data}

	pkt, err := c.sendPacket(req)
	if err != nil {
		return nil, err
	}

	switch pkt := pkt.(type) {
	case *wire.ExtendedReplyPacket:
		return pkt.Data, nil
	case *wire.StatusPacket:
		if err := statusToError(pkt); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, c.kindMismatch(req, pkt)
	}
}

// toPflags converts the flags passed to OpenFile into SFTP open flags.
func toPflags(flag int) uint32 {
	var pflags uint32

	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		pflags |= wire.FlagRead
	case os.O_WRONLY:
		pflags |= wire.FlagWrite
	case os.O_RDWR:
		pflags |= wire.FlagRead | wire.FlagWrite
	}

	if flag&os.O_APPEND != 0 {
		pflags |= wire.FlagAppend
	}
	if flag&os.O_CREATE != 0 {
		pflags |= wire.FlagCreate
	}
	if flag&os.O_TRUNC != 0 {
		pflags |= wire.FlagTruncate
	}
	if flag&os.O_EXCL != 0 {
		pflags |= wire.FlagExclusive
	}

	return pflags
}
