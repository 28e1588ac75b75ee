// ABOUTME: Tests for the tagged wire field types
// ABOUTME: Verifies encoding, decoding, and framing error behavior
package dbserver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberFieldSizes(t *testing.T) {
	for _, size := range []int{1, 2, 4} {
		field, err := NewNumberField(42, size)
		require.NoError(t, err)
		assert.Equal(t, size, field.Size())
		assert.Equal(t, int64(42), field.Value())
	}

	_, err := NewNumberField(42, 3)
	assert.Error(t, err)
	_, err = NewNumberField(42, 8)
	assert.Error(t, err)
}

func TestNumberFieldWireFormat(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, Number4(0x872349ae).Write(&buffer))
	assert.Equal(t, []byte{0x11, 0x87, 0x23, 0x49, 0xae}, buffer.Bytes())

	buffer.Reset()
	require.NoError(t, Number2(0x2002).Write(&buffer))
	assert.Equal(t, []byte{0x10, 0x20, 0x02}, buffer.Bytes())

	buffer.Reset()
	require.NoError(t, Number1(12).Write(&buffer))
	assert.Equal(t, []byte{0x0f, 0x0c}, buffer.Bytes())
}

func TestNumberFieldRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, Number4(0xffffffff).Write(&buffer))

	field, err := ReadField(&buffer)
	require.NoError(t, err)
	number, ok := field.(*NumberField)
	require.True(t, ok)
	assert.Equal(t, NoMenuResultsAvailable, number.Value())
	assert.Equal(t, 4, number.Size())
}

func TestBinaryFieldCopiesItsContents(t *testing.T) {
	original := []byte{1, 2, 3}
	field := NewBinaryField(original)
	original[0] = 99
	assert.Equal(t, []byte{1, 2, 3}, field.Value())

	extracted := field.Value()
	extracted[1] = 99
	assert.Equal(t, []byte{1, 2, 3}, field.Value())
}

func TestBinaryFieldRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, NewBinaryField([]byte{0x06, 0x06, 0x00}).Write(&buffer))
	assert.Equal(t, []byte{0x14, 0x00, 0x00, 0x00, 0x03, 0x06, 0x06, 0x00}, buffer.Bytes())

	field, err := ReadField(&buffer)
	require.NoError(t, err)
	blob, ok := field.(*BinaryField)
	require.True(t, ok)
	assert.Equal(t, []byte{0x06, 0x06, 0x00}, blob.Value())
}

func TestStringFieldEncoding(t *testing.T) {
	field := NewStringField("ab")
	// Two code units plus the NUL terminator.
	assert.Equal(t, 3, field.Size())

	var buffer bytes.Buffer
	require.NoError(t, field.Write(&buffer))
	assert.Equal(t, []byte{
		0x26,
		0x00, 0x00, 0x00, 0x03,
		0x00, 'a', 0x00, 'b', 0x00, 0x00,
	}, buffer.Bytes())
}

func TestStringFieldRoundTripNonLatin(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, NewStringField("テスト").Write(&buffer))

	field, err := ReadField(&buffer)
	require.NoError(t, err)
	text, ok := field.(*StringField)
	require.True(t, ok)
	assert.Equal(t, "テスト", text.Value())
	assert.Equal(t, 4, text.Size())
}

func TestReadFieldRejectsUnknownTag(t *testing.T) {
	_, err := ReadField(bytes.NewReader([]byte{0x42, 0x00}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestReadFieldReportsTruncation(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, Number4(12345).Write(&buffer))
	truncated := buffer.Bytes()[:3]

	_, err := ReadField(bytes.NewReader(truncated))
	assert.Error(t, err)
}
