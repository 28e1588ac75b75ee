// ABOUTME: Typed binary fields used by the dbserver wire protocol
// ABOUTME: Numbers, blobs, and UTF-16 strings with their wire type tags
package dbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// ErrFraming reports malformed or unexpected bytes while decoding protocol
// data. Decoding is all-or-nothing: once a framing error is returned, the
// stream is no longer usable.
var ErrFraming = errors.New("protocol framing error")

// Wire type tags, the first byte of every field on the wire.
const (
	typeTagNumber1 byte = 0x0f
	typeTagNumber2 byte = 0x10
	typeTagNumber4 byte = 0x11
	typeTagBinary  byte = 0x14
	typeTagString  byte = 0x26
)

// Argument type tags, used in a message's 12-byte argument-tag blob.
const (
	argTagString byte = 0x02
	argTagBinary byte = 0x03
	argTagNumber byte = 0x06
)

// Field is a single tagged value within a dbserver message. Fields are
// immutable once constructed.
type Field interface {
	// TypeTag is the wire tag that introduces this field in a byte stream.
	TypeTag() byte

	// ArgumentTag is the tag identifying this field's kind in a message's
	// argument-tag blob.
	ArgumentTag() byte

	// Size is the size of the field's value: the byte count for numbers
	// and blobs, the UTF-16 code unit count (including the terminator)
	// for strings.
	Size() int

	// Write sends the field, tag included, to the wire.
	Write(w io.Writer) error
}

// NumberField holds an unsigned big-endian integer of 1, 2, or 4 bytes.
type NumberField struct {
	value int64
	size  int
}

// NewNumberField creates a number field of the given byte size.
func NewNumberField(value int64, size int) (*NumberField, error) {
	switch size {
	case 1, 2, 4:
		return &NumberField{value: value, size: size}, nil
	}
	return nil, fmt.Errorf("number fields can be 1, 2, or 4 bytes, not %d", size)
}

// Number1 creates a 1-byte number field.
func Number1(value int64) *NumberField { return &NumberField{value: value, size: 1} }

// Number2 creates a 2-byte number field.
func Number2(value int64) *NumberField { return &NumberField{value: value, size: 2} }

// Number4 creates a 4-byte number field, the most common variety.
func Number4(value int64) *NumberField { return &NumberField{value: value, size: 4} }

// Value returns the numeric value of the field.
func (f *NumberField) Value() int64 { return f.value }

// TypeTag returns the wire tag for this field's size.
func (f *NumberField) TypeTag() byte {
	switch f.size {
	case 1:
		return typeTagNumber1
	case 2:
		return typeTagNumber2
	default:
		return typeTagNumber4
	}
}

// ArgumentTag identifies number fields in an argument-tag blob.
func (f *NumberField) ArgumentTag() byte { return argTagNumber }

// Size returns the number of value bytes on the wire.
func (f *NumberField) Size() int { return f.size }

// Write sends the field to the wire.
func (f *NumberField) Write(w io.Writer) error {
	buffer := make([]byte, 1+f.size)
	buffer[0] = f.TypeTag()
	for i := 0; i < f.size; i++ {
		buffer[1+i] = byte(f.value >> uint(8*(f.size-1-i)))
	}
	_, err := w.Write(buffer)
	return err
}

func (f *NumberField) String() string {
	return fmt.Sprintf("number: %d (0x%0*x)", f.value, f.size*2, f.value)
}

// BinaryField holds an opaque blob, length-prefixed on the wire.
type BinaryField struct {
	value []byte
}

// NewBinaryField creates a blob field, copying the supplied bytes so the
// field stays immutable.
func NewBinaryField(value []byte) *BinaryField {
	copied := make([]byte, len(value))
	copy(copied, value)
	return &BinaryField{value: copied}
}

// Value returns a copy of the blob contents.
func (f *BinaryField) Value() []byte {
	copied := make([]byte, len(f.value))
	copy(copied, f.value)
	return copied
}

// TypeTag returns the wire tag for blobs.
func (f *BinaryField) TypeTag() byte { return typeTagBinary }

// ArgumentTag identifies blob fields in an argument-tag blob.
func (f *BinaryField) ArgumentTag() byte { return argTagBinary }

// Size returns the blob length in bytes.
func (f *BinaryField) Size() int { return len(f.value) }

// Write sends the field to the wire.
func (f *BinaryField) Write(w io.Writer) error {
	header := make([]byte, 5)
	header[0] = f.TypeTag()
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.value)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(f.value)
	return err
}

func (f *BinaryField) String() string {
	return fmt.Sprintf("blob length %d: %x", len(f.value), f.value)
}

// StringField holds text, sent as NUL-terminated big-endian UTF-16 with a
// length prefix counting code units.
type StringField struct {
	value string
	units []uint16
}

// NewStringField creates a string field.
func NewStringField(value string) *StringField {
	units := append(utf16.Encode([]rune(value)), 0)
	return &StringField{value: value, units: units}
}

// Value returns the text of the field.
func (f *StringField) Value() string { return f.value }

// TypeTag returns the wire tag for strings.
func (f *StringField) TypeTag() byte { return typeTagString }

// ArgumentTag identifies string fields in an argument-tag blob.
func (f *StringField) ArgumentTag() byte { return argTagString }

// Size returns the UTF-16 code unit count, terminator included.
func (f *StringField) Size() int { return len(f.units) }

// Write sends the field to the wire.
func (f *StringField) Write(w io.Writer) error {
	buffer := make([]byte, 5+2*len(f.units))
	buffer[0] = f.TypeTag()
	binary.BigEndian.PutUint32(buffer[1:], uint32(len(f.units)))
	for i, unit := range f.units {
		binary.BigEndian.PutUint16(buffer[5+2*i:], unit)
	}
	_, err := w.Write(buffer)
	return err
}

func (f *StringField) String() string {
	return fmt.Sprintf("string length %d: %q", f.Size(), f.value)
}

// ReadField reads the next field from the wire, whatever its type.
func ReadField(r io.Reader) (Field, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("reading field tag: %w", err)
	}

	switch tag[0] {
	case typeTagNumber1:
		return readNumberField(r, 1)
	case typeTagNumber2:
		return readNumberField(r, 2)
	case typeTagNumber4:
		return readNumberField(r, 4)
	case typeTagBinary:
		return readBinaryField(r)
	case typeTagString:
		return readStringField(r)
	}
	return nil, fmt.Errorf("%w: unknown field tag 0x%02x", ErrFraming, tag[0])
}

func readNumberField(r io.Reader, size int) (*NumberField, error) {
	buffer := make([]byte, size)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return nil, fmt.Errorf("reading %d-byte number field: %w", size, err)
	}
	var value int64
	for _, b := range buffer {
		value = value<<8 | int64(b)
	}
	return &NumberField{value: value, size: size}, nil
}

func readBinaryField(r io.Reader) (*BinaryField, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading blob field length: %w", err)
	}
	value := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, fmt.Errorf("reading blob field of %d bytes: %w", len(value), err)
	}
	return &BinaryField{value: value}, nil
}

func readStringField(r io.Reader) (*StringField, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading string field length: %w", err)
	}
	count := int(binary.BigEndian.Uint32(header[:]))
	buffer := make([]byte, 2*count)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return nil, fmt.Errorf("reading string field of %d code units: %w", count, err)
	}

	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(buffer[2*i:])
	}
	text := units
	for len(text) > 0 && text[len(text)-1] == 0 {
		text = text[:len(text)-1]
	}
	return &StringField{value: string(utf16.Decode(text)), units: units}, nil
}
