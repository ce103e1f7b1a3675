// Package wire implements the SFTP version 3 wire encoding from
// draft-ietf-secsh-filexfer-02: length-prefixed binary frames, one typed
// struct per protocol message, and the attribute and name-entry encodings
// shared between them.
package wire

import (
	"fmt"
	"io"
)

// Packet defines the behavior of a full SFTP packet.
//
// MarshalPacket serializes the packet with the given request id into a frame
// header and an optional raw payload pass-through.
// The two parts exist so that bulk data (SSH_FXP_WRITE payloads) can be
// written to the connection without being copied into the header buffer.
type Packet interface {
	// Type returns the SSH_FXP_xy value associated with the packet.
	Type() PacketType

	// MarshalPacket returns the packet as a two-part binary encoding:
	// the frame (including length, type and request id) and a trailing payload.
	MarshalPacket(reqid uint32) (header, payload []byte, err error)

	// UnmarshalPacketBody decodes the packet-specific body from buf.
	// It is assumed that the length, type, and request id have already been consumed.
	UnmarshalPacketBody(buf *Buffer) error
}

// ComposePacket converts the returns from MarshalPacket into a single contiguous frame.
func ComposePacket(header, payload []byte, err error) ([]byte, error) {
	return append(header, payload...), err
}

// RawPacket holds one inbound frame after the length prefix has been consumed:
// the packet type, the request id, and the still-encoded body.
type RawPacket struct {
	PacketType PacketType
	RequestID  uint32

	Body Buffer
}

// UnmarshalBinary decodes the type and request id of a full raw packet out of
// the given data, retaining the rest as the Body.
// It is assumed that the uint32(length) has already been consumed to receive the data.
//
// NOTE: To avoid extra allocations, UnmarshalBinary aliases the given byte slice.
func (p *RawPacket) UnmarshalBinary(data []byte) error {
	buf := NewBuffer(data)

	typ, err := buf.ConsumeUint8()
	if err != nil {
		return err
	}
	p.PacketType = PacketType(typ)

	if p.RequestID, err = buf.ConsumeUint32(); err != nil {
		return err
	}

	p.Body = *buf
	return nil
}

// ReadFrom reads one length-prefixed frame out of r into p.
// Frames declaring a length of zero, or longer than maxPacket, are rejected:
// the stream cannot be resynchronized after a bad length prefix,
// so the caller must treat any error as fatal to the session.
func (p *RawPacket) ReadFrom(r io.Reader, maxPacket uint32) error {
	b, err := readFrame(r, maxPacket)
	if err != nil {
		return err
	}

	return p.UnmarshalBinary(b)
}

// readFrame reads a single uint32 length-prefixed binary frame from r.
func readFrame(r io.Reader, maxPacket uint32) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}

	length := uint32(lb[0])<<24 | uint32(lb[1])<<16 | uint32(lb[2])<<8 | uint32(lb[3])
	if length == 0 {
		return nil, ErrShortPacket
	}
	if length > maxPacket {
		return nil, ErrLongPacket
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			// A truncated frame is a protocol error, not a clean end of stream.
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return b, nil
}

// newPacketFromType returns a zero-value packet matching the given wire type tag,
// or an error for tags that do not designate a known packet.
func newPacketFromType(typ PacketType) (Packet, error) {
	switch typ {
	case PacketTypeOpen:
		return new(OpenPacket), nil
	case PacketTypeClose:
		return new(ClosePacket), nil
	case PacketTypeRead:
		return new(ReadPacket), nil
	case PacketTypeWrite:
		return new(WritePacket), nil
	case PacketTypeLStat:
		return new(LStatPacket), nil
	case PacketTypeFStat:
		return new(FStatPacket), nil
	case PacketTypeSetStat:
		return new(SetStatPacket), nil
	case PacketTypeFSetStat:
		return new(FSetStatPacket), nil
	case PacketTypeOpenDir:
		return new(OpenDirPacket), nil
	case PacketTypeReadDir:
		return new(ReadDirPacket), nil
	case PacketTypeRemove:
		return new(RemovePacket), nil
	case PacketTypeMkdir:
		return new(MkdirPacket), nil
	case PacketTypeRmdir:
		return new(RmdirPacket), nil
	case PacketTypeRealPath:
		return new(RealPathPacket), nil
	case PacketTypeStat:
		return new(StatPacket), nil
	case PacketTypeRename:
		return new(RenamePacket), nil
	case PacketTypeReadLink:
		return new(ReadLinkPacket), nil
	case PacketTypeSymlink:
		return new(SymlinkPacket), nil
	case PacketTypeExtended:
		return new(ExtendedPacket), nil
	case PacketTypeStatus:
		return new(StatusPacket), nil
	case PacketTypeHandle:
		return new(HandlePacket), nil
	case PacketTypeData:
		return new(DataPacket), nil
	case PacketTypeName:
		return new(NamePacket), nil
	case PacketTypeAttrs:
		return new(AttrsPacket), nil
	case PacketTypeExtendedReply:
		return new(ExtendedReplyPacket), nil
	default:
		return nil, fmt.Errorf("unexpected packet type: %v", typ)
	}
}

// Decode decodes the typed packet held in p.Body based on p.PacketType.
// Unknown type tags are rejected.
func (p *RawPacket) Decode() (Packet, error) {
	pkt, err := newPacketFromType(p.PacketType)
	if err != nil {
		return nil, err
	}

	if err := pkt.UnmarshalPacketBody(&p.Body); err != nil {
		return nil, err
	}

	return pkt, nil
}
