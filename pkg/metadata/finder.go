// ABOUTME: Watches player status reports and keeps track metadata current
// ABOUTME: Coordinates queue, dedupe, cache attachment, and listener delivery
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harperreed/beatlink-go/pkg/dbserver"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/rs/zerolog"
)

// ErrNotRunning reports that an operation needs the finder started first.
var ErrNotRunning = errors.New("metadata finder is not running")

// pendingLimit bounds the status update queue. Status packets arrive
// several times a second per player, so a backlog this deep means we are
// hopelessly behind and dropping the newest is the right call.
const pendingLimit = 100

// artworkBlobArgument is the argument position of the image bytes in an
// album art response.
const artworkBlobArgument = 3

// SessionSource runs tasks over dbserver sessions. The connection manager
// implements it; tests substitute fakes that never touch the network.
type SessionSource interface {
	WithSession(player int, description string, task func(dbserver.Session) error) error
}

// FinderConfig carries the collaborators a Finder needs.
type FinderConfig struct {
	Sessions SessionSource
	Devices  dbserver.DeviceSource
	Logger   zerolog.Logger
}

// Finder keeps track of the metadata for the tracks loaded on each player.
// Register it as an update listener and an announcement listener, start
// it, and query or subscribe at will. All methods are safe for concurrent
// use.
type Finder struct {
	sessions SessionSource
	devices  dbserver.DeviceSource
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	passive bool
	pending chan *devices.CdjStatus
	stop    chan struct{}

	// metadata is keyed by the reporting player's device number.
	metadata map[int]*TrackMetadata

	// lastUpdates holds, per address, the status whose track the current
	// metadata was fetched for. A failed or empty fetch records nothing,
	// so the next report of the same track retries.
	lastUpdates map[string]*devices.CdjStatus

	// activeRequests is keyed by the track source player, so at most one
	// fetch per database server is in flight.
	activeRequests map[int]struct{}

	usbCaches map[int]*Cache
	sdCaches  map[int]*Cache
	usbMounts map[int]struct{}
	sdMounts  map[int]struct{}

	cacheListeners    map[CacheListener]struct{}
	metadataListeners map[TrackMetadataListener]struct{}
}

// NewFinder creates a metadata finder using the given session source and
// device source.
func NewFinder(config FinderConfig) *Finder {
	return &Finder{
		sessions:          config.Sessions,
		devices:           config.Devices,
		log:               config.Logger.With().Str("component", "metadata").Logger(),
		metadata:          make(map[int]*TrackMetadata),
		lastUpdates:       make(map[string]*devices.CdjStatus),
		activeRequests:    make(map[int]struct{}),
		usbCaches:         make(map[int]*Cache),
		sdCaches:          make(map[int]*Cache),
		usbMounts:         make(map[int]struct{}),
		sdMounts:          make(map[int]struct{}),
		cacheListeners:    make(map[CacheListener]struct{}),
		metadataListeners: make(map[TrackMetadataListener]struct{}),
	}
}

// Start begins processing status updates. Starting an already-running
// finder is a no-op.
func (f *Finder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	f.pending = make(chan *devices.CdjStatus, pendingLimit)
	f.stop = make(chan struct{})
	f.running = true
	go f.processUpdates(f.pending, f.stop)
	f.log.Info().Msg("metadata finder started")
	return nil
}

// Stop halts update processing and forgets all known metadata, notifying
// listeners of the loss. Attached caches stay attached so a restart can
// keep serving from them.
func (f *Finder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stop)
	players := make([]int, 0, len(f.metadata))
	for player := range f.metadata {
		players = append(players, player)
	}
	f.metadata = make(map[int]*TrackMetadata)
	f.lastUpdates = make(map[string]*devices.CdjStatus)
	f.mu.Unlock()

	for _, player := range players {
		f.deliverMetadataUpdate(player, nil)
	}
	f.log.Info().Msg("metadata finder stopped")
}

// IsRunning reports whether the finder is processing updates.
func (f *Finder) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Passive reports whether automatic metadata fetches are suppressed.
func (f *Finder) Passive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passive
}

// SetPassive controls whether the finder queries players on its own when
// tracks change. In passive mode only attached caches serve automatic
// lookups; explicit requests still reach the network.
func (f *Finder) SetPassive(passive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passive = passive
}

// Received accepts a status update for processing. Implements
// devices.UpdateListener; never blocks the receiver's read loop, dropping
// the update instead when the queue is full.
func (f *Finder) Received(status *devices.CdjStatus) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	pending := f.pending
	f.mu.Unlock()

	select {
	case pending <- status:
	default:
		f.log.Warn().Stringer("status", status).Msg("status update queue full, dropping update")
	}
}

// DeviceFound implements devices.AnnouncementListener.
func (f *Finder) DeviceFound(announcement *devices.DeviceAnnouncement) {
	f.log.Debug().Stringer("device", announcement).Msg("device appeared")
}

// DeviceLost forgets everything known about a vanished player: its
// metadata, its mounts, and any caches attached for its slots. Implements
// devices.AnnouncementListener.
func (f *Finder) DeviceLost(announcement *devices.DeviceAnnouncement) {
	f.log.Info().Stringer("device", announcement).Msg("device lost, clearing its metadata and caches")

	f.mu.Lock()
	_, hadMetadata := f.metadata[announcement.Number]
	delete(f.metadata, announcement.Number)
	delete(f.lastUpdates, announcement.Address)
	_, hadUsb := f.usbMounts[announcement.Number]
	_, hadSd := f.sdMounts[announcement.Number]
	delete(f.usbMounts, announcement.Number)
	delete(f.sdMounts, announcement.Number)
	usbCache := f.usbCaches[announcement.Number]
	sdCache := f.sdCaches[announcement.Number]
	delete(f.usbCaches, announcement.Number)
	delete(f.sdCaches, announcement.Number)
	f.mu.Unlock()

	f.closeCache(usbCache)
	f.closeCache(sdCache)
	if hadMetadata {
		f.deliverMetadataUpdate(announcement.Number, nil)
	}
	if hadUsb || hadSd || usbCache != nil || sdCache != nil {
		f.deliverCacheUpdate()
	}
}

// processUpdates is the queue worker; it serializes all update handling.
func (f *Finder) processUpdates(pending chan *devices.CdjStatus, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case status := <-pending:
			f.handleUpdate(status)
		}
	}
}

// handleUpdate reacts to one status report: bookkeeping for mounted
// media, then deciding whether the loaded track changed and a metadata
// fetch is warranted.
func (f *Finder) handleUpdate(status *devices.CdjStatus) {
	f.recordMediaState(status)

	if !trackPresent(status) {
		f.clearMetadataFor(status.DeviceNumber, status.Address)
		return
	}

	f.mu.Lock()
	last := f.lastUpdates[status.Address]
	if last != nil && last.TrackSourcePlayer == status.TrackSourcePlayer &&
		last.TrackSourceSlot == status.TrackSourceSlot &&
		last.RekordboxID == status.RekordboxID {
		f.mu.Unlock()
		return // Already fetched this track, nothing to do.
	}
	if _, active := f.activeRequests[status.TrackSourcePlayer]; active {
		f.mu.Unlock()
		return
	}
	f.activeRequests[status.TrackSourcePlayer] = struct{}{}
	f.mu.Unlock()

	f.clearMetadataFor(status.DeviceNumber, status.Address)

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.activeRequests, status.TrackSourcePlayer)
			f.mu.Unlock()
		}()
		track, err := f.requestMetadataInternal(status.TrackSourcePlayer,
			status.TrackSourceSlot, status.RekordboxID, true)
		if err != nil {
			f.log.Warn().Err(err).Stringer("status", status).Msg("problem requesting metadata, will retry on the next report")
			return
		}
		if track != nil {
			f.storeMetadata(status, track)
		}
	}()
}

// trackPresent reports whether a status describes a rekordbox track we
// could look up.
func trackPresent(status *devices.CdjStatus) bool {
	return status.TrackType == devices.TrackRekordbox &&
		status.TrackSourceSlot != devices.SlotNoTrack &&
		status.TrackSourceSlot != devices.SlotUnknown &&
		status.RekordboxID != 0
}

// recordMediaState keeps the mount bookkeeping current, detaching any
// cache attached for a slot whose media has been removed.
func (f *Finder) recordMediaState(status *devices.CdjStatus) {
	changed := false
	var detached *Cache

	f.mu.Lock()
	if status.LocalUsbLoaded() {
		if _, mounted := f.usbMounts[status.DeviceNumber]; !mounted {
			f.usbMounts[status.DeviceNumber] = struct{}{}
			changed = true
		}
	} else if status.LocalUsbEmpty() {
		if _, mounted := f.usbMounts[status.DeviceNumber]; mounted {
			delete(f.usbMounts, status.DeviceNumber)
			changed = true
		}
		if cache := f.usbCaches[status.DeviceNumber]; cache != nil {
			delete(f.usbCaches, status.DeviceNumber)
			detached = cache
			changed = true
		}
	}
	if status.LocalSdLoaded() {
		if _, mounted := f.sdMounts[status.DeviceNumber]; !mounted {
			f.sdMounts[status.DeviceNumber] = struct{}{}
			changed = true
		}
	} else if status.LocalSdEmpty() {
		if _, mounted := f.sdMounts[status.DeviceNumber]; mounted {
			delete(f.sdMounts, status.DeviceNumber)
			changed = true
		}
		if cache := f.sdCaches[status.DeviceNumber]; cache != nil {
			delete(f.sdCaches, status.DeviceNumber)
			if detached == nil {
				detached = cache
			} else {
				f.closeCache(cache)
			}
			changed = true
		}
	}
	f.mu.Unlock()

	f.closeCache(detached)
	if changed {
		f.deliverCacheUpdate()
	}
}

// clearMetadataFor forgets a player's metadata and the status it was
// fetched for, notifying listeners only if there was anything to forget.
func (f *Finder) clearMetadataFor(player int, address string) {
	f.mu.Lock()
	_, had := f.metadata[player]
	delete(f.metadata, player)
	delete(f.lastUpdates, address)
	f.mu.Unlock()
	if had {
		f.deliverMetadataUpdate(player, nil)
	}
}

// storeMetadata records freshly fetched metadata along with the status
// report it answers, and notifies listeners. Only now is the status
// remembered, so a fetch that failed gets another chance.
func (f *Finder) storeMetadata(status *devices.CdjStatus, track *TrackMetadata) {
	f.mu.Lock()
	f.metadata[status.DeviceNumber] = track
	f.lastUpdates[status.Address] = status
	f.mu.Unlock()
	f.deliverMetadataUpdate(status.DeviceNumber, track)
}

// cacheFor returns the cache attached for a player's slot, or nil.
func (f *Finder) cacheFor(player int, slot devices.TrackSourceSlot) *Cache {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch slot {
	case devices.SlotUSB:
		return f.usbCaches[player]
	case devices.SlotSD:
		return f.sdCaches[player]
	}
	return nil
}

// requestMetadataInternal fetches metadata from an attached cache when
// one covers the slot, otherwise from the player itself. Automatic
// fetches pass failIfPassive so passive mode keeps them off the network.
func (f *Finder) requestMetadataInternal(player int, slot devices.TrackSourceSlot,
	rekordboxID int, failIfPassive bool) (*TrackMetadata, error) {

	if cache := f.cacheFor(player, slot); cache != nil {
		return cache.Metadata(rekordboxID), nil
	}
	if failIfPassive && f.Passive() {
		return nil, nil
	}

	var track *TrackMetadata
	err := f.sessions.WithSession(player, "requesting track metadata", func(session dbserver.Session) error {
		fetched, err := queryMetadata(session, slot, rekordboxID, f.log)
		track = fetched
		return err
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

// queryMetadata retrieves a track's metadata, including album art when it
// has any, over an open session. Returns nil when the player reports no
// results.
func queryMetadata(session dbserver.Session, slot devices.TrackSourceSlot,
	rekordboxID int, log zerolog.Logger) (*TrackMetadata, error) {

	response, err := session.MenuRequest(dbserver.MetadataReq, dbserver.MenuMain, slot,
		dbserver.Number4(int64(rekordboxID)))
	if err != nil {
		return nil, err
	}
	items, err := session.RenderMenuItems(dbserver.MenuMain, slot, response)
	if err != nil {
		return nil, err
	}
	if items == nil {
		return nil, nil
	}

	track := NewTrackMetadata(rekordboxID, items)
	if track.ArtworkID != 0 {
		artwork, err := queryArtwork(session, slot, track.ArtworkID)
		if err != nil {
			// Artwork is decorative; metadata without it is still useful.
			log.Warn().Err(err).Int("artwork", track.ArtworkID).Msg("problem requesting album art")
		} else if artwork != nil {
			track = track.WithArtwork(artwork)
		}
	}
	return track, nil
}

// queryArtwork retrieves an album art image over an open session.
func queryArtwork(session dbserver.Session, slot devices.TrackSourceSlot, artworkID int) ([]byte, error) {
	response, err := session.SimpleRequest(dbserver.AlbumArtReq, dbserver.AlbumArt,
		session.RequestContextField(dbserver.MenuData, slot), dbserver.Number4(int64(artworkID)))
	if err != nil {
		return nil, err
	}
	if len(response.Arguments) <= artworkBlobArgument {
		return nil, fmt.Errorf("album art response is missing its image blob")
	}
	blob, ok := response.Arguments[artworkBlobArgument].(*dbserver.BinaryField)
	if !ok {
		return nil, fmt.Errorf("album art response argument %d is not a blob", artworkBlobArgument)
	}
	return blob.Value(), nil
}

// queryBeatGrid retrieves a track's beat grid over an open session.
func queryBeatGrid(session dbserver.Session, slot devices.TrackSourceSlot,
	rekordboxID int, log zerolog.Logger) (*BeatGrid, error) {

	response, err := session.SimpleRequest(dbserver.BeatGridReq, dbserver.BeatGrid,
		session.RequestContextField(dbserver.MenuData, slot), dbserver.Number4(int64(rekordboxID)))
	if err != nil {
		return nil, err
	}
	grid, err := NewBeatGridFromMessage(response)
	if err != nil {
		log.Warn().Err(err).Int("id", rekordboxID).Msg("problem parsing beat grid response")
		return nil, nil
	}
	return grid, nil
}

// RequestMetadataFrom fetches the metadata for the track a status report
// says is loaded, even in passive mode. Returns nil when the status
// carries no usable track reference.
func (f *Finder) RequestMetadataFrom(status *devices.CdjStatus) (*TrackMetadata, error) {
	if status.TrackSourceSlot == devices.SlotNoTrack || status.RekordboxID == 0 {
		return nil, nil
	}
	return f.requestMetadataInternal(status.TrackSourcePlayer, status.TrackSourceSlot,
		status.RekordboxID, false)
}

// RequestMetadataFor fetches the metadata of an arbitrary track in a
// player's slot, even in passive mode.
func (f *Finder) RequestMetadataFor(player int, slot devices.TrackSourceSlot,
	rekordboxID int) (*TrackMetadata, error) {
	return f.requestMetadataInternal(player, slot, rekordboxID, false)
}

// RequestBeatGridFrom fetches the beat grid of a track, serving it from an
// attached cache when one covers the slot.
func (f *Finder) RequestBeatGridFrom(player int, slot devices.TrackSourceSlot,
	rekordboxID int) (*BeatGrid, error) {

	if cache := f.cacheFor(player, slot); cache != nil {
		return cache.BeatGrid(rekordboxID), nil
	}
	var grid *BeatGrid
	err := f.sessions.WithSession(player, "requesting beat grid", func(session dbserver.Session) error {
		fetched, err := queryBeatGrid(session, slot, rekordboxID, f.log)
		grid = fetched
		return err
	})
	if err != nil {
		return nil, err
	}
	return grid, nil
}

// RequestPlaylistItemsFrom retrieves the entries of a playlist or playlist
// folder from a player's media. With folder set, the entries describe the
// folder's contents rather than tracks.
func (f *Finder) RequestPlaylistItemsFrom(player int, slot devices.TrackSourceSlot,
	sortOrder, playlistID int, folder bool) ([]*dbserver.Message, error) {

	folderFlag := int64(0)
	if folder {
		folderFlag = 1
	}
	var items []*dbserver.Message
	err := f.sessions.WithSession(player, "requesting playlist", func(session dbserver.Session) error {
		response, err := session.MenuRequest(dbserver.PlaylistReq, dbserver.MenuMain, slot,
			dbserver.Number4(int64(sortOrder)), dbserver.Number4(int64(playlistID)),
			dbserver.Number4(folderFlag))
		if err != nil {
			return err
		}
		items, err = session.RenderMenuItems(dbserver.MenuMain, slot, response)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CreateMetadataCache builds a cache archive at path holding the
// metadata, artwork, and beat grids of every track in the named slot, or
// of just one playlist when playlistID is nonzero. The progress callback,
// when not nil, can cancel the build; a canceled or failed build leaves
// no file at path.
func (f *Finder) CreateMetadataCache(player int, slot devices.TrackSourceSlot,
	playlistID int, path string, progress CacheCreationProgress) error {

	if !f.IsRunning() {
		return fmt.Errorf("%w: cannot create metadata cache", ErrNotRunning)
	}
	return f.sessions.WithSession(player, "creating metadata cache", func(session dbserver.Session) error {
		var response *dbserver.Message
		var err error
		if playlistID == 0 {
			response, err = session.MenuRequest(dbserver.TrackListReq, dbserver.MenuMain, slot)
		} else {
			response, err = session.MenuRequest(dbserver.PlaylistReq, dbserver.MenuMain, slot,
				dbserver.Number4(0), dbserver.Number4(int64(playlistID)), dbserver.Number4(0))
		}
		if err != nil {
			return err
		}
		entries, err := session.RenderMenuItems(dbserver.MenuMain, slot, response)
		if err != nil {
			return err
		}
		return buildCacheArchive(session, slot, entries, path, progress, f.log)
	})
}

// AttachMetadataCache attaches a cache archive to serve lookups for a
// player's USB or SD slot, replacing and closing any cache previously
// attached there. The player must currently be on the network.
func (f *Finder) AttachMetadataCache(player int, slot devices.TrackSourceSlot, path string) error {
	if !f.IsRunning() {
		return fmt.Errorf("%w: cannot attach metadata cache", ErrNotRunning)
	}
	if f.devices.LatestAnnouncementFrom(player) == nil {
		return fmt.Errorf("%w %d while attaching metadata cache", dbserver.ErrDeviceNotFound, player)
	}
	if slot != devices.SlotUSB && slot != devices.SlotSD {
		return fmt.Errorf("caches can only be attached for USB or SD slots, not %s", slot)
	}

	cache, err := OpenCache(path, f.log)
	if err != nil {
		return err
	}

	f.mu.Lock()
	var previous *Cache
	if slot == devices.SlotUSB {
		previous = f.usbCaches[player]
		f.usbCaches[player] = cache
	} else {
		previous = f.sdCaches[player]
		f.sdCaches[player] = cache
	}
	f.mu.Unlock()

	f.closeCache(previous)
	f.log.Info().Int("player", player).Stringer("slot", slot).Str("path", path).Msg("metadata cache attached")
	f.deliverCacheUpdate()
	return nil
}

// DetachMetadataCache removes and closes the cache attached for a
// player's slot, if any.
func (f *Finder) DetachMetadataCache(player int, slot devices.TrackSourceSlot) {
	f.mu.Lock()
	var detached *Cache
	switch slot {
	case devices.SlotUSB:
		detached = f.usbCaches[player]
		delete(f.usbCaches, player)
	case devices.SlotSD:
		detached = f.sdCaches[player]
		delete(f.sdCaches, player)
	}
	f.mu.Unlock()

	if detached == nil {
		return
	}
	f.closeCache(detached)
	f.log.Info().Int("player", player).Stringer("slot", slot).Msg("metadata cache detached")
	f.deliverCacheUpdate()
}

// MetadataCachePath returns the path of the cache attached for a player's
// slot, or the empty string when none is attached.
func (f *Finder) MetadataCachePath(player int, slot devices.TrackSourceSlot) string {
	if cache := f.cacheFor(player, slot); cache != nil {
		return cache.Path()
	}
	return ""
}

// closeCache closes a detached cache handle, logging any trouble.
func (f *Finder) closeCache(cache *Cache) {
	if cache == nil {
		return
	}
	if err := cache.Close(); err != nil {
		f.log.Error().Err(err).Str("path", cache.Path()).Msg("problem closing detached metadata cache")
	}
}

// LatestMetadataFor returns the current metadata known for a player, or
// nil when none is known.
func (f *Finder) LatestMetadataFor(player int) *TrackMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata[player]
}

// LatestMetadataForUpdate returns the current metadata known for the
// player that sent a status update.
func (f *Finder) LatestMetadataForUpdate(status *devices.CdjStatus) *TrackMetadata {
	return f.LatestMetadataFor(status.DeviceNumber)
}

// LatestMetadata returns the metadata known for every player, ordered by
// player number.
func (f *Finder) LatestMetadata() []PlayerMetadata {
	f.mu.Lock()
	snapshot := make([]PlayerMetadata, 0, len(f.metadata))
	for player, track := range f.metadata {
		snapshot = append(snapshot, PlayerMetadata{Player: player, Track: track})
	}
	f.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Player < snapshot[j].Player })
	return snapshot
}

// PlayersWithMediaIn returns the players that currently have media
// mounted in the given slot, ordered by player number.
func (f *Finder) PlayersWithMediaIn(slot devices.TrackSourceSlot) []int {
	f.mu.Lock()
	var mounts map[int]struct{}
	switch slot {
	case devices.SlotUSB:
		mounts = f.usbMounts
	case devices.SlotSD:
		mounts = f.sdMounts
	}
	players := make([]int, 0, len(mounts))
	for player := range mounts {
		players = append(players, player)
	}
	f.mu.Unlock()

	sort.Ints(players)
	return players
}

// AddCacheListener subscribes to cache and mount state changes. Adding a
// listener twice, or adding nil, has no effect.
func (f *Finder) AddCacheListener(listener CacheListener) {
	if listener == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheListeners[listener] = struct{}{}
}

// RemoveCacheListener unsubscribes a cache listener.
func (f *Finder) RemoveCacheListener(listener CacheListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cacheListeners, listener)
}

// AddTrackMetadataListener subscribes to per-player metadata changes.
// Adding a listener twice, or adding nil, has no effect.
func (f *Finder) AddTrackMetadataListener(listener TrackMetadataListener) {
	if listener == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataListeners[listener] = struct{}{}
}

// RemoveTrackMetadataListener unsubscribes a metadata listener.
func (f *Finder) RemoveTrackMetadataListener(listener TrackMetadataListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.metadataListeners, listener)
}

// cacheState assembles the snapshot delivered to cache listeners.
func (f *Finder) cacheState() CacheState {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := CacheState{
		UsbCaches: make(map[int]string, len(f.usbCaches)),
		SdCaches:  make(map[int]string, len(f.sdCaches)),
	}
	for player, cache := range f.usbCaches {
		state.UsbCaches[player] = cache.Path()
	}
	for player, cache := range f.sdCaches {
		state.SdCaches[player] = cache.Path()
	}
	for player := range f.usbMounts {
		state.UsbMounts = append(state.UsbMounts, player)
	}
	for player := range f.sdMounts {
		state.SdMounts = append(state.SdMounts, player)
	}
	sort.Ints(state.UsbMounts)
	sort.Ints(state.SdMounts)
	return state
}

// deliverCacheUpdate notifies cache listeners of the current state. A
// misbehaving listener cannot disturb the others or the finder itself.
func (f *Finder) deliverCacheUpdate() {
	state := f.cacheState()

	f.mu.Lock()
	listeners := make([]CacheListener, 0, len(f.cacheListeners))
	for listener := range f.cacheListeners {
		listeners = append(listeners, listener)
	}
	f.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error().Interface("panic", r).Msg("cache listener panicked")
				}
			}()
			listener.CacheStateChanged(state)
		}()
	}
}

// deliverMetadataUpdate notifies metadata listeners that a player's track
// metadata changed, with the same isolation as cache delivery.
func (f *Finder) deliverMetadataUpdate(player int, track *TrackMetadata) {
	f.mu.Lock()
	listeners := make([]TrackMetadataListener, 0, len(f.metadataListeners))
	for listener := range f.metadataListeners {
		listeners = append(listeners, listener)
	}
	f.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error().Interface("panic", r).Msg("metadata listener panicked")
				}
			}()
			listener.MetadataChanged(player, track)
		}()
	}
}
