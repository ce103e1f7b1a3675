package wire

// ExtendedPacket defines the SSH_FXP_EXTENDED packet.
//
// The extension-specific data is passed through unparsed:
// interpreting it requires knowledge of the specific extension.
type ExtendedPacket struct {
	ExtendedRequest string
	Data            []byte
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ExtendedPacket) Type() PacketType {
	return PacketTypeExtended
}

// MarshalPacket returns p as a two-part binary encoding of p.
// The extension data is returned as the payload, and is not copied.
func (p *ExtendedPacket) MarshalPacket(reqid uint32) (header, payload []byte, err error) {
	// string(extended-request); extension data in payload
	size := 4 + len(p.ExtendedRequest)

	buf := NewMarshalBuffer(PacketTypeExtended, reqid, size)
	buf.AppendString(p.ExtendedRequest)

	return buf.Packet(p.Data)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
//
// NOTE: To avoid extra allocations, the Data field aliases the Buffer contents.
func (p *ExtendedPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	if p.ExtendedRequest, err = buf.ConsumeString(); err != nil {
		return err
	}

	p.Data = buf.Bytes()
	return nil
}

// ExtendedReplyPacket defines the SSH_FXP_EXTENDED_REPLY packet.
//
// As with ExtendedPacket, the reply data is passed through unparsed.
type ExtendedReplyPacket struct {
	Data []byte
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ExtendedReplyPacket) Type() PacketType {
	return PacketTypeExtendedReply
}

// MarshalPacket returns p as a two-part binary encoding of p.
// The reply data is returned as the payload, and is not copied.
func (p *ExtendedReplyPacket) MarshalPacket(reqid uint32) (header, payload []byte, err error) {
	buf := NewMarshalBuffer(PacketTypeExtendedReply, reqid, 0)

	return buf.Packet(p.Data)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
//
// NOTE: To avoid extra allocations, the Data field aliases the Buffer contents.
func (p *ExtendedReplyPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Data = buf.Bytes()
	return nil
}
