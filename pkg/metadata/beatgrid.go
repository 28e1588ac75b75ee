// ABOUTME: Beat grid parsed from the raw blob a player returns
// ABOUTME: Answers beat-at-time and beat-within-bar queries for a track
package metadata

import (
	"fmt"
	"sort"

	"github.com/harperreed/beatlink-go/pkg/dbserver"
)

// Layout of the raw beat grid blob: a header, then one fixed-size record
// per beat holding the beat number within its bar and the millisecond
// position of the beat within the track.
const (
	beatGridHeaderSize  = 0x14
	beatGridEntrySize   = 0x10
	beatGridTimeOffset  = 4
	beatGridEntryInBlob = 3 // argument position of the grid blob in a response
)

// BeatGrid holds the beat timing information of a single track. Replaced
// wholesale on track changes, never mutated.
type BeatGrid struct {
	beatWithinBar   []int
	timeWithinTrack []int64
	raw             []byte
}

// NewBeatGrid parses a beat grid from its raw blob. Blobs shorter than
// the header yield an empty grid rather than an error, matching how the
// players themselves treat tracks without analysis.
func NewBeatGrid(raw []byte) *BeatGrid {
	copied := make([]byte, len(raw))
	copy(copied, raw)

	grid := &BeatGrid{raw: copied}
	if len(copied) < beatGridHeaderSize {
		return grid
	}
	count := (len(copied) - beatGridHeaderSize) / beatGridEntrySize
	grid.beatWithinBar = make([]int, count)
	grid.timeWithinTrack = make([]int64, count)
	for i := 0; i < count; i++ {
		entry := copied[beatGridHeaderSize+i*beatGridEntrySize:]
		grid.beatWithinBar[i] = int(entry[0])
		// Beat times are little-endian, unlike everything else on this network.
		grid.timeWithinTrack[i] = int64(entry[beatGridTimeOffset]) |
			int64(entry[beatGridTimeOffset+1])<<8 |
			int64(entry[beatGridTimeOffset+2])<<16 |
			int64(entry[beatGridTimeOffset+3])<<24
	}
	return grid
}

// NewBeatGridFromMessage parses a beat grid from a beat grid response
// message.
func NewBeatGridFromMessage(response *dbserver.Message) (*BeatGrid, error) {
	if response.KnownType() != dbserver.BeatGrid {
		return nil, fmt.Errorf("message is not a beat grid response: %s", response.KnownType().Description())
	}
	if len(response.Arguments) <= beatGridEntryInBlob {
		return nil, fmt.Errorf("beat grid response is missing its grid blob")
	}
	blob, ok := response.Arguments[beatGridEntryInBlob].(*dbserver.BinaryField)
	if !ok {
		return nil, fmt.Errorf("beat grid response argument %d is not a blob", beatGridEntryInBlob)
	}
	return NewBeatGrid(blob.Value()), nil
}

// BeatCount returns the number of beats in the track.
func (g *BeatGrid) BeatCount() int { return len(g.beatWithinBar) }

// BeatWithinBar returns where the given beat (1-based) falls within its
// bar, 1 through 4, or 0 for a beat outside the grid.
func (g *BeatGrid) BeatWithinBar(beat int) int {
	if beat < 1 || beat > len(g.beatWithinBar) {
		return 0
	}
	return g.beatWithinBar[beat-1]
}

// TimeWithinTrack returns the millisecond position of the given beat
// (1-based), or 0 for a beat outside the grid.
func (g *BeatGrid) TimeWithinTrack(beat int) int64 {
	if beat < 1 || beat > len(g.timeWithinTrack) {
		return 0
	}
	return g.timeWithinTrack[beat-1]
}

// FindBeatAtTime returns the beat number (1-based) playing at the given
// millisecond position, or 0 if the position falls before the first beat.
func (g *BeatGrid) FindBeatAtTime(milliseconds int64) int {
	return sort.Search(len(g.timeWithinTrack), func(i int) bool {
		return g.timeWithinTrack[i] > milliseconds
	})
}

// RawData returns the raw blob the grid was parsed from, as needed when
// serializing to a cache archive.
func (g *BeatGrid) RawData() []byte {
	raw := make([]byte, len(g.raw))
	copy(raw, g.raw)
	return raw
}
