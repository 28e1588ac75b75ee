// ABOUTME: Listener interfaces and snapshot types the metadata finder reports through
// ABOUTME: Covers cache attachment changes and per-player track metadata changes
package metadata

// CacheState is a snapshot of the finder's cache and media bookkeeping,
// delivered whenever any of it changes. Maps are keyed by player number;
// cache values are the paths the caches were attached from.
type CacheState struct {
	UsbCaches map[int]string
	SdCaches  map[int]string
	UsbMounts []int
	SdMounts  []int
}

// CacheListener is notified whenever a metadata cache is attached or
// detached, or media is mounted in or removed from a player's slots.
type CacheListener interface {
	CacheStateChanged(state CacheState)
}

// TrackMetadataListener is notified whenever the metadata known for a
// player changes, including when it becomes nil because the player
// unloaded its track or left the network.
type TrackMetadataListener interface {
	MetadataChanged(player int, track *TrackMetadata)
}

// PlayerMetadata pairs a player number with its current track metadata,
// for ordered snapshots of everything the finder knows.
type PlayerMetadata struct {
	Player int
	Track  *TrackMetadata
}
