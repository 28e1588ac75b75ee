// ABOUTME: Tests for the metadata finder engine
// ABOUTME: Covers fetch dedupe, unload handling, caches, mounts, and listeners
package metadata

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harperreed/beatlink-go/pkg/dbserver"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

// newTestFinder builds a started finder over fake collaborators, with
// players 2 and 3 known to be on the network.
func newTestFinder(t *testing.T) (*Finder, *fakeSession, *fakeSessionSource) {
	t.Helper()
	session := newFakeSession()
	source := &fakeSessionSource{session: session}
	announcements := &fakeDeviceSource{announcements: map[int]*devices.DeviceAnnouncement{
		2: {Name: "CDJ-2000nexus", Number: 2, Address: "192.168.1.2"},
		3: {Name: "CDJ-2000nexus", Number: 3, Address: "192.168.1.3"},
	}}
	finder := NewFinder(FinderConfig{Sessions: source, Devices: announcements, Logger: zerolog.Nop()})
	require.NoError(t, finder.Start())
	t.Cleanup(finder.Stop)
	return finder, session, source
}

// sentinelDevice numbers the fake players drainQueue invents, so each
// call waits on a mount event no earlier call could have produced.
var sentinelDevice atomic.Int32

func init() { sentinelDevice.Store(100) }

// drainQueue pushes a recognizable mount update through the finder's
// serial queue and waits for it, guaranteeing every earlier update has
// been handled.
func drainQueue(t *testing.T, finder *Finder) {
	t.Helper()
	device := int(sentinelDevice.Add(1))
	sentinel := rekordboxStatus(device, 0, devices.SlotNoTrack, 0)
	sentinel.TrackType = devices.TrackNone
	sentinel.SdStatus = devices.MediaLoaded
	finder.Received(sentinel)
	require.Eventually(t, func() bool {
		for _, player := range finder.PlayersWithMediaIn(devices.SlotSD) {
			if player == device {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick)
}

func TestFinderFetchesMetadataOnTrackChange(t *testing.T) {
	finder, session, source := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))

	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)
	assert.Equal(t, "First", finder.LatestMetadataFor(3).Title)
	assert.Equal(t, 1, source.Calls())

	snapshot := finder.LatestMetadata()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 3, snapshot[0].Player)
}

func TestFinderDuplicateUpdatesCauseOneFetch(t *testing.T) {
	finder, session, source := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))

	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)
	drainQueue(t, finder)

	assert.Equal(t, 1, source.Calls())
	assert.Equal(t, []int{10}, session.MetadataQueries())
}

func TestFinderTrackUnloadedNotifiesOnce(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[57] = trackItems(t, "Loaded", "Artist", "Album", 0)

	listener := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(listener)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 57))
	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)

	// The player ejects its track and keeps reporting the empty state.
	unloaded := rekordboxStatus(3, 0, devices.SlotNoTrack, 0)
	finder.Received(unloaded)
	finder.Received(unloaded)
	drainQueue(t, finder)

	assert.Nil(t, finder.LatestMetadataFor(3))
	assert.Empty(t, finder.LatestMetadata())

	nilEvents := 0
	for _, event := range listener.Events() {
		if event.player == 3 && event.track == nil {
			nilEvents++
		}
	}
	assert.Equal(t, 1, nilEvents, "repeated empty reports must not repeat the notification")
}

func TestFinderPassiveModeSkipsAutomaticFetches(t *testing.T) {
	finder, session, source := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	finder.SetPassive(true)
	assert.True(t, finder.Passive())

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	drainQueue(t, finder)

	assert.Nil(t, finder.LatestMetadataFor(3))
	assert.Equal(t, 0, source.Calls())

	// Explicit requests still reach the network in passive mode.
	track, err := finder.RequestMetadataFor(2, devices.SlotUSB, 10)
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "First", track.Title)
	assert.Equal(t, 1, source.Calls())
}

func TestFinderStaleFetchResultKept(t *testing.T) {
	session := newFakeSession()
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	gated := &gatedSessionSource{
		inner:   &fakeSessionSource{session: session},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	announcements := &fakeDeviceSource{announcements: map[int]*devices.DeviceAnnouncement{
		2: {Name: "CDJ-2000nexus", Number: 2, Address: "192.168.1.2"},
	}}
	finder := NewFinder(FinderConfig{Sessions: gated, Devices: announcements, Logger: zerolog.Nop()})
	require.NoError(t, finder.Start())
	t.Cleanup(finder.Stop)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	select {
	case <-gated.started:
	case <-time.After(waitTimeout):
		t.Fatal("fetch never started")
	}

	// The track is unloaded while the fetch is still in flight.
	finder.Received(rekordboxStatus(3, 0, devices.SlotNoTrack, 0))
	drainQueue(t, finder)
	assert.Nil(t, finder.LatestMetadataFor(3))

	// The fetch completes afterwards; its result is recorded as the
	// latest metadata even though the player has moved on.
	close(gated.release)
	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)
}

// gatedSessionSource blocks session tasks until released, to let tests
// interleave updates with an in-flight fetch.
type gatedSessionSource struct {
	inner   SessionSource
	started chan struct{}
	release chan struct{}
}

func (g *gatedSessionSource) WithSession(player int, description string,
	task func(dbserver.Session) error) error {
	g.started <- struct{}{}
	<-g.release
	return g.inner.WithSession(player, description, task)
}

func TestFinderRetriesFetchAfterFailure(t *testing.T) {
	session := newFakeSession()
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	source := &flakySessionSource{inner: &fakeSessionSource{session: session}}
	announcements := &fakeDeviceSource{announcements: map[int]*devices.DeviceAnnouncement{
		2: {Name: "CDJ-2000nexus", Number: 2, Address: "192.168.1.2"},
	}}
	finder := NewFinder(FinderConfig{Sessions: source, Devices: announcements, Logger: zerolog.Nop()})
	require.NoError(t, finder.Start())
	t.Cleanup(finder.Stop)

	// The first fetch fails; the player keeps reporting the same track,
	// which must eventually get the metadata through.
	require.Eventually(t, func() bool {
		finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)

	assert.Equal(t, "First", finder.LatestMetadataFor(3).Title)
	assert.GreaterOrEqual(t, source.Calls(), 2, "the failed fetch must have been retried")

	// Once fetched, further reports of the same track stay quiet.
	calls := source.Calls()
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	drainQueue(t, finder)
	assert.Equal(t, calls, source.Calls())
}

// flakySessionSource fails its first session request, then delegates.
type flakySessionSource struct {
	inner SessionSource

	mu    sync.Mutex
	calls int
}

func (s *flakySessionSource) WithSession(player int, description string,
	task func(dbserver.Session) error) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		return errors.New("connection reset by peer")
	}
	return s.inner.WithSession(player, description, task)
}

func (s *flakySessionSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFinderSuppressesClearWhileFetchInFlight(t *testing.T) {
	session := newFakeSession()
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	session.metadata[11] = trackItems(t, "Second", "Artist A", "Album", 0)
	gated := &gatedSessionSource{
		inner:   &fakeSessionSource{session: session},
		started: make(chan struct{}, 2),
		release: make(chan struct{}, 2),
	}
	announcements := &fakeDeviceSource{announcements: map[int]*devices.DeviceAnnouncement{
		2: {Name: "CDJ-2000nexus", Number: 2, Address: "192.168.1.2"},
	}}
	finder := NewFinder(FinderConfig{Sessions: gated, Devices: announcements, Logger: zerolog.Nop()})
	require.NoError(t, finder.Start())
	t.Cleanup(finder.Stop)

	// Get the first track fetched and recorded.
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	<-gated.started
	gated.release <- struct{}{}
	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)

	listener := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(listener)

	// A new track clears the old metadata and starts a fetch that we hold
	// open; reports of yet another track must not clear again while it runs.
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 11))
	select {
	case <-gated.started:
	case <-time.After(waitTimeout):
		t.Fatal("second fetch never started")
	}
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 12))
	drainQueue(t, finder)

	nilEvents := 0
	for _, event := range listener.Events() {
		if event.player == 3 && event.track == nil {
			nilEvents++
		}
	}
	assert.Equal(t, 1, nilEvents, "only the fetch that starts may clear the old metadata")

	gated.release <- struct{}{}
	require.Eventually(t, func() bool {
		track := finder.LatestMetadataFor(3)
		return track != nil && track.Title == "Second"
	}, waitTimeout, waitTick)
}

func TestFinderQueueDropsWhenNotRunning(t *testing.T) {
	session := newFakeSession()
	source := &fakeSessionSource{session: session}
	finder := NewFinder(FinderConfig{Sessions: source,
		Devices: &fakeDeviceSource{}, Logger: zerolog.Nop()})

	// Updates delivered before Start are ignored rather than queued.
	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	assert.False(t, finder.IsRunning())
	assert.Equal(t, 0, source.Calls())
}

func TestFinderStopClearsMetadata(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	listener := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(listener)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)

	finder.Stop()
	assert.False(t, finder.IsRunning())
	assert.Nil(t, finder.LatestMetadataFor(3))

	events := listener.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 3, last.player)
	assert.Nil(t, last.track)
}

func TestFinderMountBookkeeping(t *testing.T) {
	finder, _, _ := newTestFinder(t)
	listener := &recordingCacheListener{}
	finder.AddCacheListener(listener)

	mounted := rekordboxStatus(3, 0, devices.SlotNoTrack, 0)
	mounted.TrackType = devices.TrackNone
	mounted.UsbStatus = devices.MediaLoaded
	finder.Received(mounted)

	require.Eventually(t, func() bool {
		players := finder.PlayersWithMediaIn(devices.SlotUSB)
		return len(players) == 1 && players[0] == 3
	}, waitTimeout, waitTick)

	states := listener.States()
	require.NotEmpty(t, states)
	assert.Equal(t, []int{3}, states[len(states)-1].UsbMounts)

	ejected := rekordboxStatus(3, 0, devices.SlotNoTrack, 0)
	ejected.TrackType = devices.TrackNone
	finder.Received(ejected)

	require.Eventually(t, func() bool {
		return len(finder.PlayersWithMediaIn(devices.SlotUSB)) == 0
	}, waitTimeout, waitTick)
}

// buildTestCache creates a real cache archive holding track 10.
func buildTestCache(t *testing.T, directory string) string {
	t.Helper()
	session := newFakeSession()
	session.metadata[10] = trackItems(t, "Cached Song", "Cached Artist", "Album", 0)
	session.grids[10] = gridBlob(0, 500)
	path := filepath.Join(directory, "cache.blm")
	require.NoError(t, buildCacheArchive(session, devices.SlotUSB,
		trackListFor(t, 10), path, nil, zerolog.Nop()))
	return path
}

func TestFinderCacheServesLookupsWithoutNetwork(t *testing.T) {
	finder, _, source := newTestFinder(t)
	path := buildTestCache(t, t.TempDir())

	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, path))
	assert.Equal(t, path, finder.MetadataCachePath(2, devices.SlotUSB))

	track, err := finder.RequestMetadataFor(2, devices.SlotUSB, 10)
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "Cached Song", track.Title)

	grid, err := finder.RequestBeatGridFrom(2, devices.SlotUSB, 10)
	require.NoError(t, err)
	require.NotNil(t, grid)
	assert.Equal(t, 2, grid.BeatCount())

	assert.Equal(t, 0, source.Calls(), "cache hits must not open sessions")
}

func TestAttachMetadataCacheValidation(t *testing.T) {
	session := newFakeSession()
	source := &fakeSessionSource{session: session}
	announcements := &fakeDeviceSource{announcements: map[int]*devices.DeviceAnnouncement{
		2: {Name: "CDJ-2000nexus", Number: 2, Address: "192.168.1.2"},
	}}
	finder := NewFinder(FinderConfig{Sessions: source, Devices: announcements, Logger: zerolog.Nop()})
	path := buildTestCache(t, t.TempDir())

	err := finder.AttachMetadataCache(2, devices.SlotUSB, path)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, finder.Start())
	t.Cleanup(finder.Stop)

	err = finder.AttachMetadataCache(5, devices.SlotUSB, path)
	assert.ErrorIs(t, err, dbserver.ErrDeviceNotFound)

	err = finder.AttachMetadataCache(2, devices.SlotCD, path)
	assert.Error(t, err, "caches only make sense for USB and SD slots")

	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, path))
}

func TestReattachClosesReplacedCache(t *testing.T) {
	finder, _, _ := newTestFinder(t)
	first := buildTestCache(t, t.TempDir())
	second := buildTestCache(t, t.TempDir())

	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, first))
	finder.mu.Lock()
	replaced := finder.usbCaches[2]
	finder.mu.Unlock()
	require.NotNil(t, replaced)

	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, second))
	assert.Equal(t, second, finder.MetadataCachePath(2, devices.SlotUSB))
	assert.Error(t, replaced.Close(), "the replaced cache handle must already be closed")
}

func TestAttachRejectsInvalidArchiveAndKeepsPrevious(t *testing.T) {
	finder, _, _ := newTestFinder(t)
	directory := t.TempDir()
	good := buildTestCache(t, directory)
	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, good))

	bogus := filepath.Join(directory, "bogus.blm")
	require.NoError(t, writeBogusZip(bogus))
	err := finder.AttachMetadataCache(2, devices.SlotUSB, bogus)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheFormat)

	assert.Equal(t, good, finder.MetadataCachePath(2, devices.SlotUSB),
		"a failed attach must leave the previous cache in place")
}

func TestDetachMetadataCache(t *testing.T) {
	finder, _, _ := newTestFinder(t)
	listener := &recordingCacheListener{}
	finder.AddCacheListener(listener)
	path := buildTestCache(t, t.TempDir())

	require.NoError(t, finder.AttachMetadataCache(2, devices.SlotUSB, path))
	finder.DetachMetadataCache(2, devices.SlotUSB)
	assert.Equal(t, "", finder.MetadataCachePath(2, devices.SlotUSB))

	// Detaching a slot with nothing attached is quietly ignored.
	statesBefore := len(listener.States())
	finder.DetachMetadataCache(2, devices.SlotSD)
	assert.Equal(t, statesBefore, len(listener.States()))
}

func TestMediaRemovalDetachesCache(t *testing.T) {
	finder, _, _ := newTestFinder(t)
	path := buildTestCache(t, t.TempDir())
	require.NoError(t, finder.AttachMetadataCache(3, devices.SlotUSB, path))

	ejected := rekordboxStatus(3, 0, devices.SlotNoTrack, 0)
	ejected.TrackType = devices.TrackNone
	finder.Received(ejected)

	require.Eventually(t, func() bool {
		return finder.MetadataCachePath(3, devices.SlotUSB) == ""
	}, waitTimeout, waitTick)
}

func TestDeviceLostClearsEverything(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	path := buildTestCache(t, t.TempDir())
	require.NoError(t, finder.AttachMetadataCache(3, devices.SlotUSB, path))

	mounted := rekordboxStatus(3, 2, devices.SlotUSB, 10)
	mounted.UsbStatus = devices.MediaLoaded
	finder.Received(mounted)
	require.Eventually(t, func() bool {
		return finder.LatestMetadataFor(3) != nil
	}, waitTimeout, waitTick)

	listener := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(listener)
	finder.DeviceLost(&devices.DeviceAnnouncement{
		Name: "CDJ-2000nexus", Number: 3, Address: "192.168.1.3",
	})

	assert.Nil(t, finder.LatestMetadataFor(3))
	assert.Empty(t, finder.PlayersWithMediaIn(devices.SlotUSB))
	assert.Equal(t, "", finder.MetadataCachePath(3, devices.SlotUSB))
	events := listener.Events()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].track)
}

func TestListenerRegistrationIsIdempotent(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)

	listener := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(listener)
	finder.AddTrackMetadataListener(listener)
	finder.AddTrackMetadataListener(nil)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	require.Eventually(t, func() bool {
		return len(listener.Events()) > 0
	}, waitTimeout, waitTick)
	drainQueue(t, finder)

	assert.Len(t, listener.Events(), 1, "a doubly registered listener is notified once")

	finder.RemoveTrackMetadataListener(listener)
	unloaded := rekordboxStatus(3, 0, devices.SlotNoTrack, 0)
	finder.Received(unloaded)
	drainQueue(t, finder)
	assert.Len(t, listener.Events(), 1, "removed listeners hear nothing further")
}

func TestListenerPanicsAreIsolated(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)

	recorder := &recordingMetadataListener{}
	finder.AddTrackMetadataListener(panickingMetadataListener{})
	finder.AddTrackMetadataListener(recorder)

	finder.Received(rekordboxStatus(3, 2, devices.SlotUSB, 10))
	require.Eventually(t, func() bool {
		return len(recorder.Events()) == 1
	}, waitTimeout, waitTick)
}

func TestRequestMetadataFromIgnoresEmptyStatus(t *testing.T) {
	finder, _, source := newTestFinder(t)
	track, err := finder.RequestMetadataFrom(rekordboxStatus(3, 0, devices.SlotNoTrack, 0))
	require.NoError(t, err)
	assert.Nil(t, track)
	assert.Equal(t, 0, source.Calls())
}

func TestRequestPlaylistItemsFrom(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.trackList = trackListFor(t, 10, 20, 30)

	items, err := finder.RequestPlaylistItemsFrom(2, devices.SlotUSB, 0, 5, false)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestCreateMetadataCacheRequiresRunning(t *testing.T) {
	finder := NewFinder(FinderConfig{Sessions: &fakeSessionSource{session: newFakeSession()},
		Devices: &fakeDeviceSource{}, Logger: zerolog.Nop()})
	err := finder.CreateMetadataCache(2, devices.SlotUSB, 0, filepath.Join(t.TempDir(), "x.blm"), nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCreateMetadataCacheFromSlot(t *testing.T) {
	finder, session, _ := newTestFinder(t)
	session.metadata[10] = trackItems(t, "First", "Artist A", "Album", 0)
	session.metadata[20] = trackItems(t, "Second", "Artist B", "Album", 0)
	session.trackList = trackListFor(t, 10, 20)

	path := filepath.Join(t.TempDir(), "slot.blm")
	require.NoError(t, finder.CreateMetadataCache(2, devices.SlotUSB, 0, path, nil))

	cache, err := OpenCache(path, zerolog.Nop())
	require.NoError(t, err)
	defer cache.Close()
	assert.NotNil(t, cache.Metadata(10))
	assert.NotNil(t, cache.Metadata(20))
}
