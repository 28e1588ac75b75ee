// ABOUTME: Shared test fakes for the metadata package
// ABOUTME: In-memory dbserver sessions, device sources, and listener recorders
package metadata

import (
	"archive/zip"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/harperreed/beatlink-go/pkg/dbserver"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/stretchr/testify/require"
)

// menuItem builds a rendered menu item message the way a player would.
func menuItem(t *testing.T, itemType dbserver.MenuItemType, number int64,
	label string, artworkID int64) *dbserver.Message {
	t.Helper()
	item, err := dbserver.NewMessage(0, dbserver.MenuItem,
		dbserver.Number4(0), dbserver.Number4(number),
		dbserver.Number4(int64(2*len(label))), dbserver.NewStringField(label),
		dbserver.Number4(0), dbserver.NewStringField(""),
		dbserver.Number4(int64(itemType)), dbserver.Number4(0),
		dbserver.Number4(artworkID))
	require.NoError(t, err)
	return item
}

// trackItems builds the menu item set of a typical metadata response.
func trackItems(t *testing.T, title, artist, album string, artworkID int64) []*dbserver.Message {
	t.Helper()
	return []*dbserver.Message{
		menuItem(t, dbserver.ItemTrackTitle, 0, title, artworkID),
		menuItem(t, dbserver.ItemArtist, 0, artist, 0),
		menuItem(t, dbserver.ItemAlbumTitle, 0, album, 0),
		menuItem(t, dbserver.ItemDuration, 241, "", 0),
		menuItem(t, dbserver.ItemTempo, 12800, "", 0),
	}
}

// trackListEntry builds one entry of a track list or playlist response.
func trackListEntry(t *testing.T, rekordboxID int64) *dbserver.Message {
	t.Helper()
	return menuItem(t, dbserver.ItemTrackListEntry, rekordboxID, "", 0)
}

// fakeSession answers dbserver queries from in-memory tables.
type fakeSession struct {
	mu        sync.Mutex
	metadata  map[int][]*dbserver.Message
	artwork   map[int][]byte
	grids     map[int][]byte
	trackList []*dbserver.Message

	// metadataQueries records the rekordbox IDs of every metadata query.
	metadataQueries []int

	// lastItems holds the items the next render call should return.
	lastItems []*dbserver.Message
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		metadata: make(map[int][]*dbserver.Message),
		artwork:  make(map[int][]byte),
		grids:    make(map[int][]byte),
	}
}

func (s *fakeSession) MetadataQueries() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	queries := make([]int, len(s.metadataQueries))
	copy(queries, s.metadataQueries)
	return queries
}

func (s *fakeSession) MenuRequest(requestType dbserver.KnownType, menu dbserver.MenuIdentifier,
	slot devices.TrackSourceSlot, arguments ...dbserver.Field) (*dbserver.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch requestType {
	case dbserver.MetadataReq:
		id := int(arguments[0].(*dbserver.NumberField).Value())
		s.metadataQueries = append(s.metadataQueries, id)
		s.lastItems = s.metadata[id]
	case dbserver.TrackListReq:
		s.lastItems = s.trackList
	case dbserver.PlaylistReq:
		s.lastItems = s.trackList
	default:
		return nil, fmt.Errorf("fake session cannot answer %s", requestType.Description())
	}
	return dbserver.NewMessage(1, dbserver.MenuAvailable,
		dbserver.Number4(int64(requestType)), dbserver.Number4(int64(len(s.lastItems))))
}

func (s *fakeSession) RenderMenuItems(menu dbserver.MenuIdentifier, slot devices.TrackSourceSlot,
	response *dbserver.Message) ([]*dbserver.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := response.MenuResultsCount()
	if count == dbserver.NoMenuResultsAvailable || count == 0 {
		return nil, nil
	}
	return s.lastItems, nil
}

func (s *fakeSession) SimpleRequest(requestType dbserver.KnownType, expectedResponse dbserver.KnownType,
	arguments ...dbserver.Field) (*dbserver.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch requestType {
	case dbserver.AlbumArtReq:
		id := int(arguments[1].(*dbserver.NumberField).Value())
		image, ok := s.artwork[id]
		if !ok {
			return nil, fmt.Errorf("fake session has no artwork %d", id)
		}
		return dbserver.NewMessage(1, dbserver.AlbumArt,
			dbserver.Number4(int64(requestType)), dbserver.Number4(0),
			dbserver.Number4(int64(len(image))), dbserver.NewBinaryField(image))
	case dbserver.BeatGridReq:
		id := int(arguments[1].(*dbserver.NumberField).Value())
		raw, ok := s.grids[id]
		if !ok {
			return nil, fmt.Errorf("fake session has no beat grid %d", id)
		}
		return dbserver.NewMessage(1, dbserver.BeatGrid,
			dbserver.Number4(int64(requestType)), dbserver.Number4(0),
			dbserver.Number4(int64(len(raw))), dbserver.NewBinaryField(raw),
			dbserver.Number4(0))
	}
	return nil, fmt.Errorf("fake session cannot answer %s", requestType.Description())
}

func (s *fakeSession) RequestContextField(menu dbserver.MenuIdentifier,
	slot devices.TrackSourceSlot) dbserver.Field {
	return dbserver.Number4(int64(menu)<<16 | int64(slot)<<8 | 1)
}

// fakeSessionSource hands the same fake session to every task, counting
// how many sessions were requested.
type fakeSessionSource struct {
	session dbserver.Session

	mu    sync.Mutex
	calls int
}

func (s *fakeSessionSource) WithSession(player int, description string,
	task func(dbserver.Session) error) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return task(s.session)
}

func (s *fakeSessionSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeDeviceSource serves announcements from a fixed table.
type fakeDeviceSource struct {
	announcements map[int]*devices.DeviceAnnouncement
}

func (s *fakeDeviceSource) LatestAnnouncementFrom(number int) *devices.DeviceAnnouncement {
	return s.announcements[number]
}

// recordingMetadataListener records every metadata change it is told about.
type metadataEvent struct {
	player int
	track  *TrackMetadata
}

type recordingMetadataListener struct {
	mu     sync.Mutex
	events []metadataEvent
}

func (l *recordingMetadataListener) MetadataChanged(player int, track *TrackMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, metadataEvent{player: player, track: track})
}

func (l *recordingMetadataListener) Events() []metadataEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]metadataEvent, len(l.events))
	copy(events, l.events)
	return events
}

// recordingCacheListener records every cache state snapshot it receives.
type recordingCacheListener struct {
	mu     sync.Mutex
	states []CacheState
}

func (l *recordingCacheListener) CacheStateChanged(state CacheState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingCacheListener) States() []CacheState {
	l.mu.Lock()
	defer l.mu.Unlock()
	states := make([]CacheState, len(l.states))
	copy(states, l.states)
	return states
}

// panickingMetadataListener always panics, for failure isolation tests.
type panickingMetadataListener struct{}

func (panickingMetadataListener) MetadataChanged(int, *TrackMetadata) {
	panic("listener gone wrong")
}

// writeBogusZip writes a structurally valid ZIP that is not a metadata
// cache archive.
func writeBogusZip(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := zip.NewWriter(file)
	entry, err := writer.Create("unrelated.txt")
	if err != nil {
		return err
	}
	if _, err := entry.Write([]byte("hello")); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return file.Close()
}

// rekordboxStatus builds a status report for a loaded rekordbox track.
func rekordboxStatus(device, sourcePlayer int, slot devices.TrackSourceSlot,
	rekordboxID int) *devices.CdjStatus {
	return &devices.CdjStatus{
		DeviceNumber:      device,
		DeviceName:        "CDJ-2000nexus",
		Address:           fmt.Sprintf("192.168.1.%d", device),
		TrackSourcePlayer: sourcePlayer,
		TrackSourceSlot:   slot,
		TrackType:         devices.TrackRekordbox,
		RekordboxID:       rekordboxID,
		UsbStatus:         devices.MediaEmpty,
		SdStatus:          devices.MediaEmpty,
	}
}
