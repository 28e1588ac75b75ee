// ABOUTME: DJ Link device observation package
// ABOUTME: Watches announcements and player status broadcasts on the LAN
// Package devices observes the DJ Link devices present on the local
// network.
//
// Provides the announcement watcher that tracks which players are alive,
// the status receiver that delivers each player's periodic status
// reports, and the value types both produce.
//
// Example:
//
//	watcher := devices.NewWatcher(devices.WatcherConfig{Logger: logger})
//	err := watcher.Start()
//	for _, device := range watcher.Devices() {
//	    fmt.Println(device)
//	}
package devices
