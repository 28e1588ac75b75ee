// ABOUTME: Framed dbserver protocol messages built from tagged fields
// ABOUTME: Known-type and menu-item-type registries plus strict read/write
package dbserver

import (
	"fmt"
	"io"
	"strings"
)

// MessageStart is the 4-byte marker value that opens every message.
const MessageStart int64 = 0x872349ae

// NoMenuResultsAvailable is reported as the result count of a menu
// response when the query matched nothing.
const NoMenuResultsAvailable int64 = 0xffffffff

// maxArguments is the most arguments a message can carry, fixed by the
// 12-byte argument-tag blob.
const maxArguments = 12

// KnownType is a message type code. Any 16-bit value is legal on the wire;
// the codes below are the ones whose purpose has been worked out.
type KnownType int64

const (
	// SetupReq enables database queries on a freshly opened connection.
	SetupReq KnownType = 0x0000
	// InvalidData reports that a request could not be fulfilled.
	InvalidData KnownType = 0x0001
	// RootMenuReq asks for the player's top-level menu.
	RootMenuReq KnownType = 0x1000
	// ArtistListReq asks for the artists in a media slot.
	ArtistListReq KnownType = 0x1002
	// TrackListReq asks for all tracks in a media slot.
	TrackListReq KnownType = 0x1004
	// PlaylistReq asks for a playlist or playlist folder by ID.
	PlaylistReq KnownType = 0x1105
	// MetadataReq asks for a track's metadata by rekordbox ID.
	MetadataReq KnownType = 0x2002
	// AlbumArtReq asks for an album artwork image by artwork ID.
	AlbumArtReq KnownType = 0x2003
	// WavePreviewReq asks for a track's summary waveform.
	WavePreviewReq KnownType = 0x2004
	// CuePointsReq asks for a track's cue points.
	CuePointsReq KnownType = 0x2104
	// CdMetadataReq asks for metadata about a CD track by track number.
	CdMetadataReq KnownType = 0x2202
	// BeatGridReq asks for a track's beat grid by rekordbox ID.
	BeatGridReq KnownType = 0x2204
	// WaveDetailReq asks for a track's detailed waveform.
	WaveDetailReq KnownType = 0x2904
	// RenderMenuReq retrieves the results of the last requested menu,
	// possibly in paginated chunks.
	RenderMenuReq KnownType = 0x3000
	// MenuAvailable acknowledges a menu request and reports how many
	// results can be rendered.
	MenuAvailable KnownType = 0x4000
	// MenuHeader precedes the menu items of a render response.
	MenuHeader KnownType = 0x4001
	// AlbumArt carries the binary image data of requested album art.
	AlbumArt KnownType = 0x4002
	// Unavailable reports that the requested media cannot be found.
	Unavailable KnownType = 0x4003
	// MenuItem is one rendered menu entry; its subtype lives in argument 6.
	MenuItem KnownType = 0x4101
	// MenuFooter follows the menu items of a render response.
	MenuFooter KnownType = 0x4201
	// WavePreview carries the bytes of a summary waveform.
	WavePreview KnownType = 0x4402
	// BeatGrid carries the raw beat grid of a track.
	BeatGrid KnownType = 0x4602
	// CuePoints carries the cue points set in a track.
	CuePoints KnownType = 0x4702
	// WaveDetail carries the bytes of a detailed waveform.
	WaveDetail KnownType = 0x4a02
)

// knownTypeInfo describes a message type: what it is for, and a label for
// each argument whose meaning has been worked out. The labels are purely
// diagnostic and never drive parsing.
type knownTypeInfo struct {
	description string
	arguments   []string
}

var knownTypes = map[KnownType]knownTypeInfo{
	SetupReq:       {"setup request", []string{"requesting player"}},
	InvalidData:    {"invalid data", nil},
	RootMenuReq:    {"root menu request", []string{"r:m:s:1", "sort order", "magic constant?"}},
	ArtistListReq:  {"artist list request", []string{"r:m:s:1", "sort order?"}},
	TrackListReq:   {"track list request", []string{"r:m:s:1", "sort order"}},
	PlaylistReq:    {"playlist/folder request", []string{"r:m:s:1", "sort order", "playlist/folder ID", "0=playlist, 1=folder"}},
	MetadataReq:    {"track metadata request", []string{"r:m:s:1", "rekordbox id"}},
	AlbumArtReq:    {"album art request", []string{"r:m:s:1", "artwork id"}},
	WavePreviewReq: {"track waveform preview request", []string{"r:m:s:1", "unknown (4)", "rekordbox id", "unknown (0)"}},
	CuePointsReq:   {"track cue points request", []string{"r:m:s:1", "rekordbox id"}},
	CdMetadataReq:  {"CD track metadata request", []string{"r:m:s:1", "track number"}},
	BeatGridReq:    {"beat grid request", []string{"r:m:s:1", "rekordbox id"}},
	WaveDetailReq:  {"track waveform detail request", []string{"r:m:s:1", "rekordbox id"}},
	RenderMenuReq:  {"render items from last requested menu", []string{"r:m:s:1", "offset", "limit", "unknown (0)", "len_a (=limit)?", "unknown (0)"}},
	MenuAvailable:  {"requested menu is available", []string{"request type", "# items available"}},
	MenuHeader:     {"rendered menu header", nil},
	AlbumArt:       {"album art", []string{"request type", "unknown (0)", "image length", "image bytes"}},
	Unavailable:    {"requested media unavailable", []string{"request type"}},
	MenuItem: {"rendered menu item", []string{
		"numeric 1 (parent id, e.g. artist for track)", "numeric 2 (this id)",
		"label 1 byte size", "label 1", "label 2 byte size", "label 2",
		"item type", "flags? byte 3 is 1 when track played",
		"album art id", "playlist position"}},
	MenuFooter:  {"rendered menu footer", nil},
	WavePreview: {"track waveform preview", []string{"request type", "unknown (0)", "waveform length", "waveform bytes"}},
	BeatGrid:    {"beat grid", []string{"request type", "unknown (0)", "beat grid length", "beat grid bytes", "unknown (0)"}},
	CuePoints: {"cue points", []string{"request type", "unknown", "blob 1 length", "blob 1",
		"unknown (0x24)", "unknown", "unknown", "blob 2 length", "blob 2"}},
	WaveDetail: {"track waveform detail", []string{"request type", "unknown (0)", "waveform length", "waveform bytes"}},
}

// IsKnown reports whether this type code has a known purpose.
func (t KnownType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// Description returns a human-readable name for the message type, or
// "unknown" for codes we have not seen documented.
func (t KnownType) Description() string {
	if info, ok := knownTypes[t]; ok {
		return info.description
	}
	return "unknown"
}

// DescribeArgument returns the diagnostic label of the argument at the
// given zero-based index, or "unknown" when no label is recorded.
func (t KnownType) DescribeArgument(index int) string {
	info, ok := knownTypes[t]
	if !ok || index < 0 || index >= len(info.arguments) {
		return "unknown"
	}
	return info.arguments[index]
}

// MenuItemType categorizes a rendered menu item, from the value of its
// seventh argument.
type MenuItemType int64

const (
	ItemFolder         MenuItemType = 0x0001
	ItemAlbumTitle     MenuItemType = 0x0002
	ItemDisc           MenuItemType = 0x0003
	ItemTrackTitle     MenuItemType = 0x0004
	ItemGenre          MenuItemType = 0x0006
	ItemArtist         MenuItemType = 0x0007
	ItemPlaylist       MenuItemType = 0x0008
	ItemRating         MenuItemType = 0x000a
	ItemDuration       MenuItemType = 0x000b
	ItemTempo          MenuItemType = 0x000d
	ItemKey            MenuItemType = 0x000f
	ItemColor          MenuItemType = 0x0013
	ItemComment        MenuItemType = 0x0023
	ItemDateAdded      MenuItemType = 0x002e
	ItemTrackListEntry MenuItemType = 0x0704

	// ItemUnknown is reported for subtype values we have not seen documented.
	ItemUnknown MenuItemType = -1
)

var menuItemTypes = map[MenuItemType]struct{}{
	ItemFolder: {}, ItemAlbumTitle: {}, ItemDisc: {}, ItemTrackTitle: {},
	ItemGenre: {}, ItemArtist: {}, ItemPlaylist: {}, ItemRating: {},
	ItemDuration: {}, ItemTempo: {}, ItemKey: {}, ItemColor: {},
	ItemComment: {}, ItemDateAdded: {}, ItemTrackListEntry: {},
}

// MenuIdentifier tells the player which menu context a request belongs to.
type MenuIdentifier byte

const (
	MenuMain      MenuIdentifier = 1
	MenuSub       MenuIdentifier = 2
	MenuTrackInfo MenuIdentifier = 3
	MenuData      MenuIdentifier = 8
)

// menuItemArgumentIndex is the fixed argument position holding a menu
// item's subtype.
const menuItemArgumentIndex = 6

// Message is a complete dbserver message. Messages are immutable once
// constructed, whether built programmatically or read from the wire.
type Message struct {
	// Transaction is the 4-byte sequence number tying a query to its
	// response messages.
	Transaction *NumberField

	// Type is the 2-byte field identifying the purpose and structure of
	// the message.
	Type *NumberField

	// Arguments are the fields sent as the payload of the message.
	Arguments []Field

	// fields is the entire ordered field list sent on the wire.
	fields []Field
}

// NewMessage builds a message from a transaction number, a type code, and
// its arguments.
func NewMessage(transaction int64, messageType KnownType, arguments ...Field) (*Message, error) {
	return NewMessageFromFields(Number4(transaction), Number2(int64(messageType)), arguments...)
}

// NewMessageFromFields builds a message from already-constructed fields,
// validating the structural invariants: a 4-byte transaction, a 2-byte
// type, and at most 12 arguments.
func NewMessageFromFields(transaction, messageType *NumberField, arguments ...Field) (*Message, error) {
	if transaction.Size() != 4 {
		return nil, fmt.Errorf("message transaction sequence number must be 4 bytes long, got %d", transaction.Size())
	}
	if messageType.Size() != 2 {
		return nil, fmt.Errorf("message type must be 2 bytes long, got %d", messageType.Size())
	}
	if len(arguments) > maxArguments {
		return nil, fmt.Errorf("messages cannot have more than %d arguments, got %d", maxArguments, len(arguments))
	}

	argTags := make([]byte, maxArguments)
	for i, argument := range arguments {
		argTags[i] = argument.ArgumentTag()
	}

	fields := make([]Field, 0, len(arguments)+5)
	fields = append(fields, Number4(MessageStart), transaction, messageType,
		Number1(int64(len(arguments))), NewBinaryField(argTags))
	fields = append(fields, arguments...)

	return &Message{
		Transaction: transaction,
		Type:        messageType,
		Arguments:   arguments,
		fields:      fields,
	}, nil
}

// KnownType returns the message's type code for registry lookups. Unknown
// codes are legal; the message is still structurally valid.
func (m *Message) KnownType() KnownType { return KnownType(m.Type.Value()) }

// MenuResultsCount returns the number of results reported by a menu
// response, or NoMenuResultsAvailable when the response carries none.
func (m *Message) MenuResultsCount() int64 {
	if len(m.Arguments) < 2 {
		return NoMenuResultsAvailable
	}
	count, ok := m.Arguments[1].(*NumberField)
	if !ok {
		return NoMenuResultsAvailable
	}
	return count.Value()
}

// MenuItemType returns the category of a rendered menu item message, or
// ItemUnknown if the message does not carry a recognized subtype.
func (m *Message) MenuItemType() MenuItemType {
	if m.KnownType() != MenuItem || len(m.Arguments) <= menuItemArgumentIndex {
		return ItemUnknown
	}
	subtype, ok := m.Arguments[menuItemArgumentIndex].(*NumberField)
	if !ok {
		return ItemUnknown
	}
	if _, known := menuItemTypes[MenuItemType(subtype.Value())]; known {
		return MenuItemType(subtype.Value())
	}
	return ItemUnknown
}

// Write sends the complete message to the wire, every field in order.
func (m *Message) Write(w io.Writer) error {
	for _, field := range m.fields {
		if err := field.Write(w); err != nil {
			return fmt.Errorf("writing message field: %w", err)
		}
	}
	return nil
}

// ReadMessage reads the next message from the stream, validating each
// field against the framing rules. No partial message is ever returned.
func ReadMessage(r io.Reader) (*Message, error) {
	start, err := readNumber(r, "start of message", 4)
	if err != nil {
		return nil, err
	}
	if start.Value() != MessageStart {
		return nil, fmt.Errorf("%w: number field had wrong value to start message, expected 0x%08x, got 0x%08x",
			ErrFraming, MessageStart, start.Value())
	}

	transaction, err := readNumber(r, "transaction ID of message", 4)
	if err != nil {
		return nil, err
	}

	messageType, err := readNumber(r, "type of message", 2)
	if err != nil {
		return nil, err
	}

	argCountField, err := readNumber(r, "argument count of message", 1)
	if err != nil {
		return nil, err
	}
	argCount := int(argCountField.Value())
	if argCount < 0 || argCount > maxArguments {
		return nil, fmt.Errorf("%w: illegal argument count %d while reading message, must be between 0 and %d",
			ErrFraming, argCount, maxArguments)
	}

	argTypesField, err := ReadField(r)
	if err != nil {
		return nil, err
	}
	argTypes, ok := argTypesField.(*BinaryField)
	if !ok {
		return nil, fmt.Errorf("%w: did not find binary field reading argument types of message, got %v",
			ErrFraming, argTypesField)
	}
	argTags := argTypes.Value()
	if len(argTags) != maxArguments {
		return nil, fmt.Errorf("%w: argument type blob must be %d bytes, got %d",
			ErrFraming, maxArguments, len(argTags))
	}

	arguments := make([]Field, argCount)
	for i := 0; i < argCount; i++ {
		arguments[i], err = ReadField(r)
		if err != nil {
			return nil, err
		}
		if arguments[i].ArgumentTag() != argTags[i] {
			return nil, fmt.Errorf("%w: found argument of wrong type reading message, expected tag 0x%02x, got 0x%02x",
				ErrFraming, argTags[i], arguments[i].ArgumentTag())
		}
	}
	return NewMessageFromFields(transaction, messageType, arguments...)
}

// readNumber reads a field which must be a number of the given size,
// identifying the field in any framing error.
func readNumber(r io.Reader, description string, size int) (*NumberField, error) {
	field, err := ReadField(r)
	if err != nil {
		return nil, err
	}
	number, ok := field.(*NumberField)
	if !ok {
		return nil, fmt.Errorf("%w: did not find number field reading %s, got %v", ErrFraming, description, field)
	}
	if number.Size() != size {
		return nil, fmt.Errorf("%w: number field reading %s must be of size %d, got %d",
			ErrFraming, description, size, number.Size())
	}
	return number, nil
}

// String renders the message with its known-type description and argument
// labels, for logs and debugging only.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: [transaction: %d, type: 0x%04x (%s), arg count: %d, arguments:\n",
		m.Transaction.Value(), m.Type.Value(), m.KnownType().Description(), len(m.Arguments))
	for i, argument := range m.Arguments {
		fmt.Fprintf(&b, "%4d: %v [%s]\n", i+1, argument, m.KnownType().DescribeArgument(i))
	}
	b.WriteString("]")
	return b.String()
}
