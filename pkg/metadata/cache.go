// ABOUTME: ZIP metadata cache archives holding serialized wire messages
// ABOUTME: Attachable read path plus the bulk archive creation write path
package metadata

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/harperreed/beatlink-go/pkg/dbserver"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/rs/zerolog"
)

// CacheFormatIdentifier is the ASCII marker stored in the version entry
// of every metadata cache archive. It is part of the cache file format
// and must never change.
const CacheFormatIdentifier = "BeatLink Metadata Cache version 1"

// Entry names within a cache archive, also part of the file format.
const (
	cachePrefix         = "BLTMetaCache/"
	cacheFormatEntry    = cachePrefix + "version"
	cacheMetadataPrefix = cachePrefix + "metadata/"
	cacheArtworkPrefix  = cachePrefix + "artwork/"
	cacheBeatGridPrefix = cachePrefix + "beatgrid/"
)

// ErrCacheFormat reports that a file is not a usable metadata cache, or
// that data encountered while building one violated the format's rules.
var ErrCacheFormat = errors.New("metadata cache format error")

// metadataEntryName names the archive entry holding a track's metadata.
func metadataEntryName(rekordboxID int) string {
	return fmt.Sprintf("%s%d", cacheMetadataPrefix, rekordboxID)
}

// artworkEntryName names the archive entry holding an album art image.
func artworkEntryName(artworkID int) string {
	return fmt.Sprintf("%s%d.jpg", cacheArtworkPrefix, artworkID)
}

// beatGridEntryName names the archive entry holding a track's beat grid.
func beatGridEntryName(rekordboxID int) string {
	return fmt.Sprintf("%s%d", cacheBeatGridPrefix, rekordboxID)
}

// Cache is an attached, read-only metadata cache archive. Its handle is
// owned by the Finder once attached; callers only ever see read results.
type Cache struct {
	path   string
	reader *zip.ReadCloser
	log    zerolog.Logger
}

// OpenCache opens and validates a metadata cache archive. A file lacking
// the format identifier entry is rejected with ErrCacheFormat, and the
// partially opened handle is closed before the error is returned.
func OpenCache(path string, logger zerolog.Logger) (*Cache, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata cache %s: %w", path, err)
	}

	cache := &Cache{
		path:   path,
		reader: reader,
		log:    logger.With().Str("component", "cache").Str("path", path).Logger(),
	}
	tag, err := cache.readFormatTag()
	if err != nil || tag != CacheFormatIdentifier {
		if closeErr := reader.Close(); closeErr != nil {
			cache.log.Error().Err(closeErr).Msg("problem re-closing rejected metadata cache")
		}
		return nil, fmt.Errorf("%w: %s does not contain a metadata cache (looking for format identifier %q, found %q)",
			ErrCacheFormat, path, CacheFormatIdentifier, tag)
	}
	return cache, nil
}

// readFormatTag reads the contents of the format identifier entry.
func (c *Cache) readFormatTag() (string, error) {
	entry := c.entry(cacheFormatEntry)
	if entry == nil {
		return "", fmt.Errorf("no format entry present")
	}
	reader, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer reader.Close()
	tag, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(tag), nil
}

// Path returns the file the cache was opened from.
func (c *Cache) Path() string { return c.path }

// Close releases the archive handle.
func (c *Cache) Close() error { return c.reader.Close() }

// entry locates an archive entry by name, or nil if absent.
func (c *Cache) entry(name string) *zip.File {
	for _, file := range c.reader.File {
		if file.Name == name {
			return file
		}
	}
	return nil
}

// Metadata looks up the cached metadata for a track, including its album
// art when present. Returns nil when the track is not in the cache; a
// corrupt entry is logged and treated the same way, since a bad cache
// entry must never take down the caller.
func (c *Cache) Metadata(rekordboxID int) *TrackMetadata {
	entry := c.entry(metadataEntryName(rekordboxID))
	if entry == nil {
		return nil
	}

	reader, err := entry.Open()
	if err != nil {
		c.log.Error().Err(err).Int("id", rekordboxID).Msg("problem opening metadata cache entry, returning nothing")
		return nil
	}
	defer func() {
		if err := reader.Close(); err != nil {
			c.log.Error().Err(err).Msg("problem closing metadata cache entry")
		}
	}()

	var items []*dbserver.Message
	for {
		message, err := dbserver.ReadMessage(reader)
		if err != nil {
			c.log.Error().Err(err).Int("id", rekordboxID).Msg("problem reading metadata from cache, returning nothing")
			return nil
		}
		if message.KnownType() != dbserver.MenuItem {
			break // The footer marks the end of this track's records.
		}
		items = append(items, message)
	}

	track := NewTrackMetadata(rekordboxID, items)
	if track.ArtworkID != 0 {
		if artwork := c.artwork(track.ArtworkID); artwork != nil {
			track = track.WithArtwork(artwork)
		}
	}
	return track
}

// artwork reads a cached album art image, or nil if absent or unreadable.
func (c *Cache) artwork(artworkID int) []byte {
	entry := c.entry(artworkEntryName(artworkID))
	if entry == nil {
		return nil
	}
	reader, err := entry.Open()
	if err != nil {
		c.log.Error().Err(err).Int("artwork", artworkID).Msg("problem opening artwork cache entry, leaving it out")
		return nil
	}
	defer reader.Close()
	artwork, err := io.ReadAll(reader)
	if err != nil {
		c.log.Error().Err(err).Int("artwork", artworkID).Msg("problem reading artwork from cache, leaving it out")
		return nil
	}
	return artwork
}

// BeatGrid looks up the cached beat grid for a track. Returns nil when
// absent or unreadable.
func (c *Cache) BeatGrid(rekordboxID int) *BeatGrid {
	entry := c.entry(beatGridEntryName(rekordboxID))
	if entry == nil {
		return nil
	}
	reader, err := entry.Open()
	if err != nil {
		c.log.Error().Err(err).Int("id", rekordboxID).Msg("problem opening beat grid cache entry, returning nothing")
		return nil
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		c.log.Error().Err(err).Int("id", rekordboxID).Msg("problem reading beat grid from cache, returning nothing")
		return nil
	}
	return NewBeatGrid(raw)
}

// CacheCreationProgress is called after each track is added to a cache
// being built, with the track's metadata (nil when none was available),
// how many tracks have been processed, and the total. Returning false
// cancels the build and removes the destination file.
type CacheCreationProgress func(track *TrackMetadata, tracksCopied, totalToCopy int) bool

// cacheFooter marks the end of each metadata entry's message stream, just
// like when reading from a live player.
var cacheFooter = func() *dbserver.Message {
	footer, err := dbserver.NewMessage(0, dbserver.MenuFooter)
	if err != nil {
		panic(err)
	}
	return footer
}()

// buildCacheArchive copies the metadata, artwork, and beat grids of the
// listed tracks into a new cache archive at destination. The archive is
// staged in a temporary file and renamed into place only on success, so a
// failed or canceled build never leaves a partial archive behind.
func buildCacheArchive(session dbserver.Session, slot devices.TrackSourceSlot,
	trackListEntries []*dbserver.Message, destination string,
	progress CacheCreationProgress, log zerolog.Logger) (err error) {

	// Any previous contents of the destination are replaced.
	if removeErr := os.Remove(destination); removeErr != nil && !os.IsNotExist(removeErr) {
		log.Warn().Err(removeErr).Str("path", destination).Msg("unable to delete previous cache file")
	}

	staging := fmt.Sprintf("%s.%s.tmp", destination, uuid.NewString())
	file, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	archive := zip.NewWriter(file)

	keep := false
	defer func() {
		if closeErr := archive.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("problem closing cache archive writer")
		}
		if closeErr := file.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("problem closing cache file")
		}
		if keep {
			if renameErr := os.Rename(staging, destination); renameErr != nil && err == nil {
				err = fmt.Errorf("failed to move completed cache into place: %w", renameErr)
			}
		} else if removeErr := os.Remove(staging); removeErr != nil {
			log.Warn().Err(removeErr).Str("path", staging).Msg("unable to delete staging cache file")
		}
	}()

	// The marker that lets us recognize this as a metadata cache archive.
	writer, err := archive.Create(cacheFormatEntry)
	if err != nil {
		return fmt.Errorf("failed to create cache format entry: %w", err)
	}
	if _, err := writer.Write([]byte(CacheFormatIdentifier)); err != nil {
		return fmt.Errorf("failed to write cache format entry: %w", err)
	}

	artworkAdded := make(map[int]bool)
	totalToCopy := len(trackListEntries)
	tracksCopied := 0

	for _, entry := range trackListEntries {
		if entry.MenuItemType() != dbserver.ItemTrackListEntry {
			return fmt.Errorf("%w: received unexpected item type building cache, needed track list entry, got %s",
				ErrCacheFormat, entry)
		}
		rekordboxID := int(itemNumber(entry, itemNumericArgument))

		track, err := queryMetadata(session, slot, rekordboxID, log)
		if err != nil {
			return err
		}
		if track != nil {
			log.Debug().Int("id", rekordboxID).Msg("adding metadata to cache")
			writer, err := archive.Create(metadataEntryName(rekordboxID))
			if err != nil {
				return fmt.Errorf("failed to create metadata entry: %w", err)
			}
			for _, item := range track.RawItems() {
				if err := item.Write(writer); err != nil {
					return fmt.Errorf("failed to write metadata entry: %w", err)
				}
			}
			if err := cacheFooter.Write(writer); err != nil { // So readers know where to stop.
				return fmt.Errorf("failed to write metadata entry footer: %w", err)
			}
		} else {
			log.Warn().Int("id", rekordboxID).Msg("unable to retrieve metadata for cache")
		}

		// Artwork is shared between tracks, so each image is written once.
		if track != nil && track.RawArtwork() != nil && !artworkAdded[track.ArtworkID] {
			log.Debug().Int("artwork", track.ArtworkID).Msg("adding artwork to cache")
			writer, err := archive.Create(artworkEntryName(track.ArtworkID))
			if err != nil {
				return fmt.Errorf("failed to create artwork entry: %w", err)
			}
			if _, err := writer.Write(track.RawArtwork()); err != nil {
				return fmt.Errorf("failed to write artwork entry: %w", err)
			}
			artworkAdded[track.ArtworkID] = true
		}

		// Players refuse the request for tracks without a grid, so a
		// failure here just means the entry is skipped.
		grid, err := queryBeatGrid(session, slot, rekordboxID, log)
		if err != nil {
			log.Warn().Err(err).Int("id", rekordboxID).Msg("unable to retrieve beat grid for cache")
			grid = nil
		}
		if grid != nil {
			log.Debug().Int("id", rekordboxID).Msg("adding beat grid to cache")
			writer, err := archive.Create(beatGridEntryName(rekordboxID))
			if err != nil {
				return fmt.Errorf("failed to create beat grid entry: %w", err)
			}
			if _, err := writer.Write(grid.RawData()); err != nil {
				return fmt.Errorf("failed to write beat grid entry: %w", err)
			}
		}

		tracksCopied++
		if progress != nil && !progress(track, tracksCopied, totalToCopy) {
			log.Info().Msg("metadata cache creation canceled by progress callback")
			return nil
		}
	}

	keep = true
	return nil
}
