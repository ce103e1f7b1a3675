package wire

import (
	"io/fs"
)

// FileMode represents a file's mode and permission bits as transmitted on the
// wire: the POSIX st_mode encoding, not the Go fs.FileMode encoding.
type FileMode uint32

// POSIX mode bits.
const (
	ModePerm FileMode = 0o0777 // S_IRWXU | S_IRWXG | S_IRWXO

	ModeSetUID FileMode = 0o4000 // S_ISUID
	ModeSetGID FileMode = 0o2000 // S_ISGID
	ModeSticky FileMode = 0o1000 // S_ISVTX

	ModeType       FileMode = 0xF000 // S_IFMT
	ModeNamedPipe  FileMode = 0x1000 // S_IFIFO
	ModeCharDevice FileMode = 0x2000 // S_IFCHR
	ModeDir        FileMode = 0x4000 // S_IFDIR
	ModeDevice     FileMode = 0x6000 // S_IFBLK
	ModeRegular    FileMode = 0x8000 // S_IFREG
	ModeSymlink    FileMode = 0xA000 // S_IFLNK
	ModeSocket     FileMode = 0xC000 // S_IFSOCK
)

// IsDir reports whether m describes a directory.
func (m FileMode) IsDir() bool {
	return m&ModeType == ModeDir
}

// IsRegular reports whether m describes a regular file.
func (m FileMode) IsRegular() bool {
	return m&ModeType == ModeRegular
}

// Perm returns the POSIX permission bits in m.
func (m FileMode) Perm() FileMode {
	return m & ModePerm
}

// ToGoFileMode converts m to a Go fs.FileMode.
// Mode bits with no fs.FileMode equivalent are dropped.
func ToGoFileMode(m FileMode) fs.FileMode {
	mode := fs.FileMode(m & ModePerm)

	switch m & ModeType {
	case ModeNamedPipe:
		mode |= fs.ModeNamedPipe
	case ModeCharDevice:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case ModeDir:
		mode |= fs.ModeDir
	case ModeDevice:
		mode |= fs.ModeDevice
	case ModeRegular:
		// nothing to do
	case ModeSymlink:
		mode |= fs.ModeSymlink
	case ModeSocket:
		mode |= fs.ModeSocket
	}

	if m&ModeSetUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&ModeSetGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&ModeSticky != 0 {
		mode |= fs.ModeSticky
	}

	return mode
}

// FromGoFileMode converts a Go fs.FileMode to the POSIX wire encoding.
// Mode bits with no POSIX equivalent are dropped.
func FromGoFileMode(mode fs.FileMode) FileMode {
	m := FileMode(mode.Perm())

	switch mode & fs.ModeType {
	case fs.ModeNamedPipe:
		m |= ModeNamedPipe
	case fs.ModeDevice | fs.ModeCharDevice:
		m |= ModeCharDevice
	case fs.ModeDir:
		m |= ModeDir
	case fs.ModeDevice:
		m |= ModeDevice
	case fs.ModeSymlink:
		m |= ModeSymlink
	case fs.ModeSocket:
		m |= ModeSocket
	default:
		if mode.IsRegular() {
			m |= ModeRegular
		}
	}

	if mode&fs.ModeSetuid != 0 {
		m |= ModeSetUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= ModeSetGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= ModeSticky
	}

	return m
}
