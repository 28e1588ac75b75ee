// ABOUTME: Track metadata retrieval and coordination package
// ABOUTME: Finder engine, parsed track and beat grid types, cache archives
// Package metadata keeps track of what is playing on each player.
//
// Provides the Finder, which watches status reports and automatically
// retrieves metadata when tracks change, the parsed TrackMetadata and
// BeatGrid types, and ZIP cache archives that can serve lookups when
// querying a player directly is impossible or undesirable.
//
// Example:
//
//	finder := metadata.NewFinder(metadata.FinderConfig{
//	    Sessions: manager,
//	    Devices:  watcher,
//	    Logger:   logger,
//	})
//	finder.AddTrackMetadataListener(myListener)
//	receiver.AddUpdateListener(finder)
//	err := finder.Start()
package metadata
