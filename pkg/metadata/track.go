// ABOUTME: Track metadata assembled from rendered dbserver menu items
// ABOUTME: Extracts titles, artists, timing and artwork ids from raw messages
package metadata

import (
	"fmt"

	"github.com/harperreed/beatlink-go/pkg/dbserver"
)

// Argument positions within a rendered menu item.
const (
	itemNumericArgument = 1
	itemLabelArgument   = 3
	itemArtworkArgument = 8
)

// TrackMetadata is everything we know about a loaded track. Values are
// immutable; a player's metadata is replaced wholesale on track changes.
type TrackMetadata struct {
	RekordboxID int
	Title       string
	Artist      string
	Album       string
	Genre       string
	Comment     string
	Key         string
	Color       string
	DateAdded   string

	// Duration of the track in seconds.
	Duration int

	// Tempo of the track at its default pitch, in beats per minute
	// multiplied by 100.
	Tempo int

	Rating    int
	ArtworkID int

	rawItems   []*dbserver.Message
	rawArtwork []byte
}

// NewTrackMetadata assembles track metadata from the menu item messages a
// metadata query rendered. Items of unrecognized subtypes are kept in the
// raw list but contribute no fields.
func NewTrackMetadata(rekordboxID int, items []*dbserver.Message) *TrackMetadata {
	track := &TrackMetadata{
		RekordboxID: rekordboxID,
		rawItems:    items,
	}
	for _, item := range items {
		switch item.MenuItemType() {
		case dbserver.ItemTrackTitle:
			track.Title = itemLabel(item)
			track.ArtworkID = int(itemNumber(item, itemArtworkArgument))
		case dbserver.ItemArtist:
			track.Artist = itemLabel(item)
		case dbserver.ItemAlbumTitle:
			track.Album = itemLabel(item)
		case dbserver.ItemGenre:
			track.Genre = itemLabel(item)
		case dbserver.ItemComment:
			track.Comment = itemLabel(item)
		case dbserver.ItemKey:
			track.Key = itemLabel(item)
		case dbserver.ItemColor:
			track.Color = itemLabel(item)
		case dbserver.ItemDateAdded:
			track.DateAdded = itemLabel(item)
		case dbserver.ItemDuration:
			track.Duration = int(itemNumber(item, itemNumericArgument))
		case dbserver.ItemTempo:
			track.Tempo = int(itemNumber(item, itemNumericArgument))
		case dbserver.ItemRating:
			track.Rating = int(itemNumber(item, itemNumericArgument))
		}
	}
	return track
}

// WithArtwork returns a copy of the metadata carrying the given raw
// artwork image bytes.
func (t *TrackMetadata) WithArtwork(artwork []byte) *TrackMetadata {
	copied := *t
	copied.rawArtwork = make([]byte, len(artwork))
	copy(copied.rawArtwork, artwork)
	return &copied
}

// RawItems returns the ordered menu item messages the metadata was built
// from, as needed when serializing to a cache archive.
func (t *TrackMetadata) RawItems() []*dbserver.Message {
	items := make([]*dbserver.Message, len(t.rawItems))
	copy(items, t.rawItems)
	return items
}

// RawArtwork returns the raw album art bytes, or nil if none were loaded.
func (t *TrackMetadata) RawArtwork() []byte {
	if t.rawArtwork == nil {
		return nil
	}
	artwork := make([]byte, len(t.rawArtwork))
	copy(artwork, t.rawArtwork)
	return artwork
}

func (t *TrackMetadata) String() string {
	return fmt.Sprintf("Track[id: %d, title: %q, artist: %q, album: %q, duration: %ds, tempo: %.2f]",
		t.RekordboxID, t.Title, t.Artist, t.Album, t.Duration, float64(t.Tempo)/100)
}

// itemLabel extracts the primary text label of a menu item, if present.
func itemLabel(item *dbserver.Message) string {
	if len(item.Arguments) <= itemLabelArgument {
		return ""
	}
	label, ok := item.Arguments[itemLabelArgument].(*dbserver.StringField)
	if !ok {
		return ""
	}
	return label.Value()
}

// itemNumber extracts a numeric argument of a menu item, or zero when the
// argument is missing or not a number.
func itemNumber(item *dbserver.Message, index int) int64 {
	if len(item.Arguments) <= index {
		return 0
	}
	number, ok := item.Arguments[index].(*dbserver.NumberField)
	if !ok {
		return 0
	}
	return number.Value()
}
