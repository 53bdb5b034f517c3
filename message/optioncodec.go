package message

import "encoding/binary"

// encodeExt splits a delta or length value into its 4-bit nibble plus any
// 1- or 2-byte extension (RFC 7252 §3.1).
func encodeExt(value int) (nibble int, ext []byte, err error) {
	switch {
	case value < extend1Byte:
		return value, nil, nil
	case value < extend2Base:
		return extend1Byte, []byte{byte(value - extend1Base)}, nil
	case value <= extend2Base+0xffff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(value-extend2Base))
		return extend2Byte, b, nil
	default:
		return 0, nil, ErrInvalidValueLength
	}
}

// decodeExt reads the extension bytes (if any) implied by nibble and
// returns the resolved value plus the number of bytes consumed from data.
func decodeExt(nibble int, data []byte) (value, consumed int, err error) {
	switch nibble {
	case extendError:
		return 0, 0, ErrOptionUnexpectedExt
	case extend1Byte:
		if len(data) < 1 {
			return 0, 0, ErrOptionTruncated
		}
		return extend1Base + int(data[0]), 1, nil
	case extend2Byte:
		if len(data) < 2 {
			return 0, 0, ErrOptionTruncated
		}
		return extend2Base + int(binary.BigEndian.Uint16(data)), 2, nil
	default:
		return nibble, 0, nil
	}
}

// Marshal serialises the options in ascending delta-encoded TLV form
// (spec §4.1 "Canonical options"). Options are already kept sorted by
// Add/Set, so no reordering happens here. Passing a nil buf computes the
// required size without writing.
func (o Options) Marshal(buf []byte) (int, error) {
	pos := 0
	prev := OptionID(0)
	measureOnly := buf == nil

	for _, opt := range o {
		if err := validateLen(opt.ID, len(opt.Value)); err != nil {
			return -1, err
		}
		delta := int(opt.ID) - int(prev)
		deltaNibble, deltaExt, err := encodeExt(delta)
		if err != nil {
			return -1, err
		}
		lengthNibble, lengthExt, err := encodeExt(len(opt.Value))
		if err != nil {
			return -1, err
		}
		need := 1 + len(deltaExt) + len(lengthExt) + len(opt.Value)
		if measureOnly {
			pos += need
			prev = opt.ID
			continue
		}
		if len(buf) < pos+need {
			return pos + need, ErrTooSmall
		}
		buf[pos] = byte(deltaNibble<<4 | lengthNibble)
		pos++
		copy(buf[pos:], deltaExt)
		pos += len(deltaExt)
		copy(buf[pos:], lengthExt)
		pos += len(lengthExt)
		copy(buf[pos:], opt.Value)
		pos += len(opt.Value)
		prev = opt.ID
	}
	return pos, nil
}

// Unmarshal parses a TLV option sequence from data until it hits the
// 0xFF payload marker or runs out of bytes. defs supplies per-option
// length bounds; an option whose number is unknown to defs is decoded
// without bounds checking (the caller enforces critical/elective handling
// separately, since that decision needs message-level context such as
// whether this is a request).
func (o *Options) Unmarshal(data []byte, defs map[OptionID]OptionDef) (int, error) {
	processed := 0
	prev := OptionID(0)

	for len(data) > 0 {
		if data[0] == 0xff {
			if len(data) == 1 {
				return -1, ErrMalformedPayloadMarker
			}
			processed++
			return processed, nil
		}

		deltaNibble := int(data[0] >> 4)
		lengthNibble := int(data[0] & 0x0f)
		data = data[1:]
		processed++

		delta, n, err := decodeExt(deltaNibble, data)
		if err != nil {
			return -1, err
		}
		data = data[n:]
		processed += n

		length, n, err := decodeExt(lengthNibble, data)
		if err != nil {
			return -1, err
		}
		data = data[n:]
		processed += n

		if len(data) < length {
			return -1, ErrOptionTruncated
		}

		id := prev + OptionID(delta)
		if def, ok := defs[id]; ok {
			if length < def.MinLen || length > def.MaxLen {
				return -1, ErrInvalidValueLength
			}
		}

		value := make([]byte, length)
		copy(value, data[:length])
		*o = append(*o, Option{ID: id, Value: value})

		data = data[length:]
		processed += length
		prev = id
	}
	return processed, nil
}

// ValidateCounts enforces the repeatability rule (spec §4.1): a
// non-repeatable option appearing more than once is a decode error.
func (o Options) ValidateCounts(defs map[OptionID]OptionDef) error {
	i := 0
	for i < len(o) {
		j := i
		for j < len(o) && o[j].ID == o[i].ID {
			j++
		}
		if def, ok := defs[o[i].ID]; ok && !def.Repeatable && j-i > 1 {
			return ErrOptionNotRepeatable
		}
		i = j
	}
	return nil
}

// UnknownCritical returns the option number of the first option present
// that is both unrecognised by defs and critical (spec §4.1: "reject
// options with unknown critical numbers ... unknown elective options are
// silently ignored"), or found=false if none.
func (o Options) UnknownCritical(defs map[OptionID]OptionDef) (id OptionID, found bool) {
	for _, opt := range o {
		if _, known := defs[opt.ID]; !known && opt.ID.IsCritical() {
			return opt.ID, true
		}
	}
	return 0, false
}
