package wire

// Attribute presence flags.
const (
	AttrSize        = 1 << iota // SSH_FILEXFER_ATTR_SIZE
	AttrUIDGID                  // SSH_FILEXFER_ATTR_UIDGID
	AttrPermissions             // SSH_FILEXFER_ATTR_PERMISSIONS
	AttrACModTime               // SSH_FILEXFER_ACMODTIME

	AttrExtended = 1 << 31 // SSH_FILEXFER_ATTR_EXTENDED
)

// Attributes defines the file attributes type from draft-ietf-secsh-filexfer-02 section 5.
//
// Fields are only transmitted when the matching bit is set in Flags;
// the values of fields not covered by Flags are undefined,
// and they are neither marshaled nor unmarshaled.
type Attributes struct {
	Flags uint32

	// AttrSize
	Size uint64

	// AttrUIDGID
	UID uint32
	GID uint32

	// AttrPermissions
	Permissions FileMode

	// AttrACModTime
	ATime uint32
	MTime uint32

	// AttrExtended
	ExtendedAttributes []ExtendedAttribute
}

// GetSize returns the Size field and whether it was transmitted.
func (a *Attributes) GetSize() (uint64, bool) {
	return a.Size, a.Flags&AttrSize != 0
}

// GetUIDGID returns the UID and GID fields and whether they were transmitted.
func (a *Attributes) GetUIDGID() (uid, gid uint32, ok bool) {
	return a.UID, a.GID, a.Flags&AttrUIDGID != 0
}

// GetPermissions returns the Permissions field and whether it was transmitted.
func (a *Attributes) GetPermissions() (FileMode, bool) {
	return a.Permissions, a.Flags&AttrPermissions != 0
}

// GetACModTime returns the ATime and MTime fields and whether they were transmitted.
func (a *Attributes) GetACModTime() (atime, mtime uint32, ok bool) {
	return a.ATime, a.MTime, a.Flags&AttrACModTime != 0
}

// Len returns the number of bytes a would marshal into.
func (a *Attributes) Len() int {
	length := 4

	if a.Flags&AttrSize != 0 {
		length += 8
	}

	if a.Flags&AttrUIDGID != 0 {
		length += 4 + 4
	}

	if a.Flags&AttrPermissions != 0 {
		length += 4
	}

	if a.Flags&AttrACModTime != 0 {
		length += 4 + 4
	}

	if a.Flags&AttrExtended != 0 {
		length += 4

		for _, ext := range a.ExtendedAttributes {
			length += ext.Len()
		}
	}

	return length
}

// MarshalInto marshals a onto the end of the given Buffer.
// Only the fields covered by a.Flags are written, in canonical field order.
func (a *Attributes) MarshalInto(buf *Buffer) {
	buf.AppendUint32(a.Flags)

	if a.Flags&AttrSize != 0 {
		buf.AppendUint64(a.Size)
	}

	if a.Flags&AttrUIDGID != 0 {
		buf.AppendUint32(a.UID)
		buf.AppendUint32(a.GID)
	}

	if a.Flags&AttrPermissions != 0 {
		buf.AppendUint32(uint32(a.Permissions))
	}

	if a.Flags&AttrACModTime != 0 {
		buf.AppendUint32(a.ATime)
		buf.AppendUint32(a.MTime)
	}

	if a.Flags&AttrExtended != 0 {
		buf.AppendUint32(uint32(len(a.ExtendedAttributes)))

		for _, ext := range a.ExtendedAttributes {
			ext.MarshalInto(buf)
		}
	}
}

// MarshalBinary returns a as the binary encoding of a.
func (a *Attributes) MarshalBinary() ([]byte, error) {
	buf := NewBuffer(make([]byte, 0, a.Len()))
	a.MarshalInto(buf)
	return buf.Bytes(), nil
}

// UnmarshalFrom unmarshals an Attributes from the given Buffer into a.
func (a *Attributes) UnmarshalFrom(buf *Buffer) (err error) {
	if a.Flags, err = buf.ConsumeUint32(); err != nil {
		return err
	}

	if a.Flags&AttrSize != 0 {
		if a.Size, err = buf.ConsumeUint64(); err != nil {
			return err
		}
	}

	if a.Flags&AttrUIDGID != 0 {
		if a.UID, err = buf.ConsumeUint32(); err != nil {
			return err
		}

		if a.GID, err = buf.ConsumeUint32(); err != nil {
			return err
		}
	}

	if a.Flags&AttrPermissions != 0 {
		perms, err := buf.ConsumeUint32()
		if err != nil {
			return err
		}
		a.Permissions = FileMode(perms)
	}

	if a.Flags&AttrACModTime != 0 {
		if a.ATime, err = buf.ConsumeUint32(); err != nil {
			return err
		}

		if a.MTime, err = buf.ConsumeUint32(); err != nil {
			return err
		}
	}

	if a.Flags&AttrExtended != 0 {
		count, err := buf.ConsumeUint32()
		if err != nil {
			return err
		}

		a.ExtendedAttributes = make([]ExtendedAttribute, count)
		for i := range a.ExtendedAttributes {
			if err := a.ExtendedAttributes[i].UnmarshalFrom(buf); err != nil {
				return err
			}
		}
	}

	return nil
}

// UnmarshalBinary decodes the binary encoding of Attributes into a.
func (a *Attributes) UnmarshalBinary(data []byte) error {
	return a.UnmarshalFrom(NewBuffer(data))
}

// ExtendedAttribute defines the extended file attribute type from
// draft-ietf-secsh-filexfer-02 section 5.
type ExtendedAttribute struct {
	Type string
	Data string
}

// Len returns the number of bytes e would marshal into.
func (e *ExtendedAttribute) Len() int {
	return 4 + len(e.Type) + 4 + len(e.Data)
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *ExtendedAttribute) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Type)
	buf.AppendString(e.Data)
}

// UnmarshalFrom unmarshals an ExtendedAttribute from the given Buffer into e.
func (e *ExtendedAttribute) UnmarshalFrom(buf *Buffer) (err error) {
	if e.Type, err = buf.ConsumeString(); err != nil {
		return err
	}

	if e.Data, err = buf.ConsumeString(); err != nil {
		return err
	}

	return nil
}

// NameEntry implements the repeated data element of SSH_FXP_NAME from
// draft-ietf-secsh-filexfer-02.
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attributes
}

// Len returns the number of bytes e would marshal into.
func (e *NameEntry) Len() int {
	return 4 + len(e.Filename) + 4 + len(e.Longname) + e.Attrs.Len()
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *NameEntry) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Filename)
	buf.AppendString(e.Longname)

	e.Attrs.MarshalInto(buf)
}

// UnmarshalFrom unmarshals a NameEntry from the given Buffer into e.
func (e *NameEntry) UnmarshalFrom(buf *Buffer) (err error) {
	if e.Filename, err = buf.ConsumeString(); err != nil {
		return err
	}

	if e.Longname, err = buf.ConsumeString(); err != nil {
		return err
	}

	return e.Attrs.UnmarshalFrom(buf)
}

// ExtensionPair defines the extension-pair type used in the version handshake.
type ExtensionPair struct {
	Name string
	Data string
}

// Len returns the number of bytes e would marshal into.
func (e *ExtensionPair) Len() int {
	return 4 + len(e.Name) + 4 + len(e.Data)
}

// MarshalInto marshals e onto the end of the given Buffer.
func (e *ExtensionPair) MarshalInto(buf *Buffer) {
	buf.AppendString(e.Name)
	buf.AppendString(e.Data)
}

// UnmarshalFrom unmarshals an ExtensionPair from the given Buffer into e.
func (e *ExtensionPair) UnmarshalFrom(buf *Buffer) (err error) {
	if e.Name, err = buf.ConsumeString(); err != nil {
		return err
	}

	if e.Data, err = buf.ConsumeString(); err != nil {
		return err
	}

	return nil
}
