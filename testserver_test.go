package sftpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettich/sftpc/wire"
)

// fakeFile is one entry in the fake server's filesystem.
type fakeFile struct {
	content    []byte
	mode       wire.FileMode
	uid, gid   uint32
	atime      uint32
	mtime      uint32
	linkTarget string
}

func (f *fakeFile) isDir() bool  { return f.mode.IsDir() }
func (f *fakeFile) isLink() bool { return f.mode&wire.ModeType == wire.ModeSymlink }

// fakeHandle is an open file or directory handle.
type fakeHandle struct {
	path    string
	entries []*wire.NameEntry // directory handles only
	next    int
}

// fakeServer speaks the server side of the protocol over a pipe pair.
// Each request is handled in its own goroutine, so responses may
// complete out of order, just like a real server.
type fakeServer struct {
	t *testing.T

	rd io.Reader
	wr io.WriteCloser

	version   uint32
	exts      []*wire.ExtensionPair
	batchSize int
	maxRead   int // cap on bytes per read reply; 0 means no cap

	wmu sync.Mutex

	mu         sync.Mutex
	files      map[string]*fakeFile
	handles    map[string]*fakeHandle
	nextHandle int
	closes     int
	gates      map[string]chan struct{} // stat requests block on these
}

func newFakeServer(t *testing.T, rd io.Reader, wr io.WriteCloser) *fakeServer {
	return &fakeServer{
		t:         t,
		rd:        rd,
		wr:        wr,
		version:   sftpProtocolVersion,
		batchSize: 100,
		files: map[string]*fakeFile{
			"/": {mode: wire.ModeDir | 0o755},
		},
		handles: make(map[string]*fakeHandle),
		gates:   make(map[string]chan struct{}),
	}
}

// newTestClient wires a Client to a fakeServer over in-memory pipes.
func newTestClient(t *testing.T, srvOpts []func(*fakeServer), opts ...ClientOption) (*Client, *fakeServer) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	srv := newFakeServer(t, sr, sw)
	for _, opt := range srvOpts {
		opt(srv)
	}

	go srv.serve()

	client, err := NewClientPipe(cr, cw, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, srv
}

func withExtensions(names ...string) func(*fakeServer) {
	return func(s *fakeServer) {
		for _, name := range names {
			s.exts = append(s.exts, &wire.ExtensionPair{Name: name, Data: "1"})
		}
	}
}

func (s *fakeServer) addFile(p string, content []byte, mode wire.FileMode) *fakeFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &fakeFile{content: content, mode: mode, mtime: 1700000000}
	s.files[path.Clean(p)] = f
	return f
}

func (s *fakeServer) addDir(p string) {
	s.addFile(p, nil, wire.ModeDir|0o755)
}

// gate makes stat requests for p block until the returned func is called.
func (s *fakeServer) gate(p string) func() {
	ch := make(chan struct{})

	s.mu.Lock()
	s.gates[path.Clean(p)] = ch
	s.mu.Unlock()

	return func() { close(ch) }
}

func (s *fakeServer) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeServer) serve() {
	if err := s.handshake(); err != nil {
		s.wr.Close()
		return
	}

	for {
		var raw wire.RawPacket
		if err := raw.ReadFrom(s.rd, maxMsgLength); err != nil {
			s.wr.Close()
			return
		}

		pkt, err := raw.Decode()
		if err != nil {
			s.status(raw.RequestID, wire.StatusBadMessage, err.Error())
			continue
		}

		go s.handle(raw.RequestID, pkt)
	}
}

func (s *fakeServer) handshake() error {
	var lb [4]byte
	if _, err := io.ReadFull(s.rd, lb[:]); err != nil {
		return err
	}

	body := make([]byte, binary.BigEndian.Uint32(lb[:]))
	if _, err := io.ReadFull(s.rd, body); err != nil {
		return err
	}

	if len(body) < 1 {
		return fmt.Errorf("empty init frame")
	}
	if wire.PacketType(body[0]) != wire.PacketTypeInit {
		return fmt.Errorf("expected init, got %v", wire.PacketType(body[0]))
	}

	version := &wire.VersionPacket{Version: s.version, Extensions: s.exts}

	data, err := version.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = s.wr.Write(data)
	return err
}

func (s *fakeServer) respond(reqid uint32, pkt wire.Packet) {
	header, payload, err := pkt.MarshalPacket(reqid)
	if err != nil {
		s.t.Errorf("fake server: marshal %v: %v", pkt.Type(), err)
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.wr.Write(header); err != nil {
		return
	}
	if len(payload) > 0 {
		s.wr.Write(payload)
	}
}

func (s *fakeServer) status(reqid uint32, code wire.Status, msg string) {
	s.respond(reqid, &wire.StatusPacket{StatusCode: code, ErrorMessage: msg, LanguageTag: "en"})
}

func (s *fakeServer) ok(reqid uint32) {
	s.status(reqid, wire.StatusOK, "")
}

func attrsFor(f *fakeFile) wire.Attributes {
	return wire.Attributes{
		Flags:       wire.AttrSize | wire.AttrUIDGID | wire.AttrPermissions | wire.AttrACModTime,
		Size:        uint64(len(f.content)),
		UID:         f.uid,
		GID:         f.gid,
		Permissions: f.mode,
		ATime:       f.atime,
		MTime:       f.mtime,
	}
}

// lookup resolves p, following symlinks when follow is set.
// Caller holds s.mu.
func (s *fakeServer) lookup(p string, follow bool) *fakeFile {
	p = path.Clean(p)
	for i := 0; i < 8; i++ {
		f := s.files[p]
		if f == nil || !follow || !f.isLink() {
			return f
		}
		p = path.Clean(f.linkTarget)
	}
	return nil
}

func (s *fakeServer) newHandle(h *fakeHandle) string {
	s.nextHandle++
	name := fmt.Sprintf("h%d", s.nextHandle)
	s.handles[name] = h
	return name
}

func (s *fakeServer) handle(reqid uint32, pkt wire.Packet) {
	switch pkt := pkt.(type) {
	case *wire.StatPacket:
		s.stat(reqid, pkt.Path, true)
	case *wire.LStatPacket:
		s.stat(reqid, pkt.Path, false)
	case *wire.FStatPacket:
		s.fstat(reqid, pkt.Handle)
	case *wire.OpenPacket:
		s.open(reqid, pkt)
	case *wire.ClosePacket:
		s.close(reqid, pkt.Handle)
	case *wire.ReadPacket:
		s.read(reqid, pkt)
	case *wire.WritePacket:
		s.write(reqid, pkt)
	case *wire.OpenDirPacket:
		s.opendir(reqid, pkt.Path)
	case *wire.ReadDirPacket:
		s.readdir(reqid, pkt.Handle)
	case *wire.MkdirPacket:
		s.mkdir(reqid, pkt.Path)
	case *wire.RmdirPacket:
		s.remove(reqid, pkt.Path, true)
	case *wire.RemovePacket:
		s.remove(reqid, pkt.Path, false)
	case *wire.RenamePacket:
		s.rename(reqid, pkt.OldPath, pkt.NewPath, false)
	case *wire.RealPathPacket:
		s.respond(reqid, &wire.NamePacket{Entries: []*wire.NameEntry{
			{Filename: path.Clean("/" + pkt.Path)},
		}})
	case *wire.ReadLinkPacket:
		s.readlink(reqid, pkt.Path)
	case *wire.SymlinkPacket:
		s.addFile(pkt.LinkPath, nil, wire.ModeSymlink|0o777).linkTarget = pkt.TargetPath
		s.ok(reqid)
	case *wire.SetStatPacket:
		s.setstat(reqid, pkt.Path, &pkt.Attrs, true)
	case *wire.FSetStatPacket:
		s.fsetstat(reqid, pkt.Handle, &pkt.Attrs)
	case *wire.ExtendedPacket:
		s.extended(reqid, pkt)
	default:
		s.status(reqid, wire.StatusOpUnsupported, fmt.Sprintf("unhandled %v", pkt.Type()))
	}
}

func (s *fakeServer) stat(reqid uint32, p string, follow bool) {
	s.mu.Lock()
	gate := s.gates[path.Clean(p)]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	f := s.lookup(p, follow)
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusNoSuchFile, "no such file")
		return
	}
	s.respond(reqid, &wire.AttrsPacket{Attrs: attrsFor(f)})
}

func (s *fakeServer) fstat(reqid uint32, handle string) {
	s.mu.Lock()
	h := s.handles[handle]
	var f *fakeFile
	if h != nil {
		f = s.lookup(h.path, true)
	}
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusFailure, "invalid handle")
		return
	}
	s.respond(reqid, &wire.AttrsPacket{Attrs: attrsFor(f)})
}

func (s *fakeServer) open(reqid uint32, pkt *wire.OpenPacket) {
	s.mu.Lock()

	p := path.Clean(pkt.Filename)
	f := s.lookup(p, true)

	switch {
	case f != nil && pkt.PFlags&wire.FlagExclusive != 0:
		s.mu.Unlock()
		s.status(reqid, wire.StatusFailure, "file exists")
		return
	case f == nil && pkt.PFlags&wire.FlagCreate == 0:
		s.mu.Unlock()
		s.status(reqid, wire.StatusNoSuchFile, "no such file")
		return
	case f == nil:
		f = &fakeFile{mode: wire.ModeRegular | 0o644}
		s.files[p] = f
	}

	if pkt.PFlags&wire.FlagTruncate != 0 {
		f.content = nil
	}

	handle := s.newHandle(&fakeHandle{path: p})
	s.mu.Unlock()

	s.respond(reqid, &wire.HandlePacket{Handle: handle})
}

func (s *fakeServer) close(reqid uint32, handle string) {
	s.mu.Lock()
	_, ok := s.handles[handle]
	if ok {
		delete(s.handles, handle)
		s.closes++
	}
	s.mu.Unlock()

	if !ok {
		s.status(reqid, wire.StatusFailure, "invalid handle")
		return
	}
	s.ok(reqid)
}

func (s *fakeServer) read(reqid uint32, pkt *wire.ReadPacket) {
	s.mu.Lock()
	h := s.handles[pkt.Handle]
	var f *fakeFile
	if h != nil {
		f = s.lookup(h.path, true)
	}
	maxRead := s.maxRead
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusFailure, "invalid handle")
		return
	}

	if pkt.Offset >= uint64(len(f.content)) {
		s.status(reqid, wire.StatusEOF, "eof")
		return
	}

	data := f.content[pkt.Offset:]
	if uint64(len(data)) > uint64(pkt.Length) {
		data = data[:pkt.Length]
	}
	if maxRead > 0 && len(data) > maxRead {
		data = data[:maxRead]
	}

	s.respond(reqid, &wire.DataPacket{Data: data})
}

func (s *fakeServer) write(reqid uint32, pkt *wire.WritePacket) {
	s.mu.Lock()
	h := s.handles[pkt.Handle]
	var f *fakeFile
	if h != nil {
		f = s.lookup(h.path, true)
	}
	if f != nil {
		end := pkt.Offset + uint64(len(pkt.Data))
		if uint64(len(f.content)) < end {
			grown := make([]byte, end)
			copy(grown, f.content)
			f.content = grown
		}
		copy(f.content[pkt.Offset:], pkt.Data)
	}
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusFailure, "invalid handle")
		return
	}
	s.ok(reqid)
}

func (s *fakeServer) opendir(reqid uint32, p string) {
	s.mu.Lock()
	p = path.Clean(p)
	d := s.lookup(p, true)

	if d == nil || !d.isDir() {
		s.mu.Unlock()
		s.status(reqid, wire.StatusNoSuchFile, "no such directory")
		return
	}

	var names []string
	for fp := range s.files {
		if fp != p && path.Dir(fp) == p {
			names = append(names, path.Base(fp))
		}
	}
	sort.Strings(names)

	entries := []*wire.NameEntry{
		{Filename: ".", Attrs: attrsFor(d)},
		{Filename: "..", Attrs: attrsFor(d)},
	}
	for _, name := range names {
		f := s.files[path.Join(p, name)]
		entries = append(entries, &wire.NameEntry{
			Filename: name,
			Longname: name,
			Attrs:    attrsFor(f),
		})
	}

	handle := s.newHandle(&fakeHandle{path: p, entries: entries})
	s.mu.Unlock()

	s.respond(reqid, &wire.HandlePacket{Handle: handle})
}

func (s *fakeServer) readdir(reqid uint32, handle string) {
	s.mu.Lock()
	h := s.handles[handle]

	var batch []*wire.NameEntry
	if h != nil && h.next < len(h.entries) {
		end := h.next + s.batchSize
		if end > len(h.entries) {
			end = len(h.entries)
		}
		batch = h.entries[h.next:end]
		h.next = end
	}
	s.mu.Unlock()

	switch {
	case h == nil:
		s.status(reqid, wire.StatusFailure, "invalid handle")
	case len(batch) == 0:
		s.status(reqid, wire.StatusEOF, "eof")
	default:
		s.respond(reqid, &wire.NamePacket{Entries: batch})
	}
}

func (s *fakeServer) mkdir(reqid uint32, p string) {
	s.mu.Lock()
	p = path.Clean(p)
	_, exists := s.files[p]
	parent := s.files[path.Dir(p)]
	if !exists && parent != nil && parent.isDir() {
		s.files[p] = &fakeFile{mode: wire.ModeDir | 0o755}
	}
	s.mu.Unlock()

	switch {
	case exists:
		s.status(reqid, wire.StatusFailure, "file exists")
	case parent == nil:
		s.status(reqid, wire.StatusNoSuchFile, "no such directory")
	default:
		s.ok(reqid)
	}
}

func (s *fakeServer) remove(reqid uint32, p string, wantDir bool) {
	s.mu.Lock()
	p = path.Clean(p)
	f := s.files[p]
	if f != nil && f.isDir() == wantDir {
		delete(s.files, p)
	}
	s.mu.Unlock()

	switch {
	case f == nil:
		s.status(reqid, wire.StatusNoSuchFile, "no such file")
	case f.isDir() != wantDir:
		s.status(reqid, wire.StatusFailure, "wrong file type")
	default:
		s.ok(reqid)
	}
}

func (s *fakeServer) rename(reqid uint32, from, to string, overwrite bool) {
	s.mu.Lock()
	from, to = path.Clean(from), path.Clean(to)
	f := s.files[from]
	_, conflict := s.files[to]
	conflict = conflict && !overwrite
	if f != nil && !conflict {
		delete(s.files, from)
		s.files[to] = f
	}
	s.mu.Unlock()

	switch {
	case f == nil:
		s.status(reqid, wire.StatusNoSuchFile, "no such file")
	case conflict:
		s.status(reqid, wire.StatusFailure, "target exists")
	default:
		s.ok(reqid)
	}
}

func (s *fakeServer) readlink(reqid uint32, p string) {
	s.mu.Lock()
	f := s.lookup(p, false)
	s.mu.Unlock()

	if f == nil || !f.isLink() {
		s.status(reqid, wire.StatusNoSuchFile, "not a symlink")
		return
	}

	s.respond(reqid, &wire.NamePacket{Entries: []*wire.NameEntry{
		{Filename: f.linkTarget},
	}})
}

func applyAttrs(f *fakeFile, attrs *wire.Attributes) {
	if size, ok := attrs.GetSize(); ok {
		if size < uint64(len(f.content)) {
			f.content = f.content[:size]
		} else {
			grown := make([]byte, size)
			copy(grown, f.content)
			f.content = grown
		}
	}
	if uid, gid, ok := attrs.GetUIDGID(); ok {
		f.uid, f.gid = uid, gid
	}
	if perms, ok := attrs.GetPermissions(); ok {
		f.mode = f.mode&wire.ModeType | perms.Perm()
	}
	if atime, mtime, ok := attrs.GetACModTime(); ok {
		f.atime, f.mtime = atime, mtime
	}
}

func (s *fakeServer) setstat(reqid uint32, p string, attrs *wire.Attributes, follow bool) {
	s.mu.Lock()
	f := s.lookup(p, follow)
	if f != nil {
		applyAttrs(f, attrs)
	}
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusNoSuchFile, "no such file")
		return
	}
	s.ok(reqid)
}

func (s *fakeServer) fsetstat(reqid uint32, handle string, attrs *wire.Attributes) {
	s.mu.Lock()
	h := s.handles[handle]
	var f *fakeFile
	if h != nil {
		f = s.lookup(h.path, true)
	}
	if f != nil {
		applyAttrs(f, attrs)
	}
	s.mu.Unlock()

	if f == nil {
		s.status(reqid, wire.StatusFailure, "invalid handle")
		return
	}
	s.ok(reqid)
}

func (s *fakeServer) advertised(name string) bool {
	for _, ext := range s.exts {
		if ext.Name == name {
			return true
		}
	}
	return false
}

func (s *fakeServer) extended(reqid uint32, pkt *wire.ExtendedPacket) {
	if !s.advertised(pkt.ExtendedRequest) {
		s.status(reqid, wire.StatusOpUnsupported, "unsupported extension")
		return
	}

	buf := wire.NewBuffer(pkt.Data)

	switch pkt.ExtendedRequest {
	case extPosixRename:
		from, err1 := buf.ConsumeString()
		to, err2 := buf.ConsumeString()
		if err1 != nil || err2 != nil {
			s.status(reqid, wire.StatusBadMessage, "bad posix-rename request")
			return
		}
		s.rename(reqid, from, to, true)

	case extHardlink:
		from, err1 := buf.ConsumeString()
		to, err2 := buf.ConsumeString()
		if err1 != nil || err2 != nil {
			s.status(reqid, wire.StatusBadMessage, "bad hardlink request")
			return
		}

		s.mu.Lock()
		f := s.files[path.Clean(from)]
		if f != nil {
			s.files[path.Clean(to)] = f
		}
		s.mu.Unlock()

		if f == nil {
			s.status(reqid, wire.StatusNoSuchFile, "no such file")
			return
		}
		s.ok(reqid)

	case extFsync:
		if _, err := buf.ConsumeString(); err != nil {
			s.status(reqid, wire.StatusBadMessage, "bad fsync request")
			return
		}
		s.ok(reqid)

	case extStatVFS, extFStatVFS:
		if _, err := buf.ConsumeString(); err != nil {
			s.status(reqid, wire.StatusBadMessage, "bad statvfs request")
			return
		}

		reply := wire.NewBuffer(nil)
		for _, v := range []uint64{4096, 4096, 1000, 500, 400, 100, 50, 40, 7, 0, 255} {
			reply.AppendUint64(v)
		}
		s.respond(reqid, &wire.ExtendedReplyPacket{Data: reply.Bytes()})

	default:
		s.status(reqid, wire.StatusOpUnsupported, "unsupported extension")
	}
}
