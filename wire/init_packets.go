package wire

import (
	"fmt"
	"io"
)

// InitPacket defines the SSH_FXP_INIT packet.
// It is the only request that carries no request id.
type InitPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p, including the length prefix.
func (p *InitPacket) MarshalBinary() ([]byte, error) {
	size := 1 + 4 // byte(type) + uint32(version)

	for _, ext := range p.Extensions {
		size += ext.Len()
	}

	buf := NewBuffer(make([]byte, 4, 4+size))
	buf.AppendUint8(uint8(PacketTypeInit))
	buf.AppendUint32(p.Version)

	for _, ext := range p.Extensions {
		ext.MarshalInto(buf)
	}

	buf.PutLength(size)

	return buf.b, nil
}

// UnmarshalBinary decodes the packet body of p out of the given data.
// It is assumed that the uint32(length) and uint8(type) have already been consumed.
func (p *InitPacket) UnmarshalBinary(data []byte) (err error) {
	buf := NewBuffer(data)

	if p.Version, err = buf.ConsumeUint32(); err != nil {
		return err
	}

	for buf.Len() > 0 {
		var ext ExtensionPair
		if err := ext.UnmarshalFrom(buf); err != nil {
			return err
		}

		p.Extensions = append(p.Extensions, &ext)
	}

	return nil
}

// VersionPacket defines the SSH_FXP_VERSION packet.
// Like SSH_FXP_INIT, it carries no request id.
type VersionPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalBinary returns p as the binary encoding of p, including the length prefix.
func (p *VersionPacket) MarshalBinary() ([]byte, error) {
	size := 1 + 4 // byte(type) + uint32(version)

	for _, ext := range p.Extensions {
		size += ext.Len()
	}

	buf := NewBuffer(make([]byte, 4, 4+size))
	buf.AppendUint8(uint8(PacketTypeVersion))
	buf.AppendUint32(p.Version)

	for _, ext := range p.Extensions {
		ext.MarshalInto(buf)
	}

	buf.PutLength(size)

	return buf.b, nil
}

// ReadFrom reads one length-prefixed frame from r and decodes it into p.
// A frame carrying any packet type other than SSH_FXP_VERSION is rejected.
func (p *VersionPacket) ReadFrom(r io.Reader, maxPacket uint32) error {
	b, err := readFrame(r, maxPacket)
	if err != nil {
		return err
	}

	buf := NewBuffer(b)

	typ, err := buf.ConsumeUint8()
	if err != nil {
		return err
	}

	if PacketType(typ) != PacketTypeVersion {
		return fmt.Errorf("unexpected packet type: %v", PacketType(typ))
	}

	return p.UnmarshalBinary(buf.Bytes())
}

// UnmarshalBinary decodes the packet body of p out of the given data.
// It is assumed that the uint32(length) and uint8(type) have already been consumed.
func (p *VersionPacket) UnmarshalBinary(data []byte) (err error) {
	buf := NewBuffer(data)

	if p.Version, err = buf.ConsumeUint32(); err != nil {
		return err
	}

	for buf.Len() > 0 {
		var ext ExtensionPair
		if err := ext.UnmarshalFrom(buf); err != nil {
			return err
		}

		p.Extensions = append(p.Extensions, &ext)
	}

	return nil
}
