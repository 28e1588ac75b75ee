// ABOUTME: Watches the DJ Link announcement port for devices on the network
// ABOUTME: Tracks live devices, expires silent ones, and notifies listeners
package devices

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AnnouncementPort is the UDP port on which devices broadcast keep-alives.
const AnnouncementPort = 50000

// A device that stays silent this long is considered gone.
const deviceTimeout = 10 * time.Second

// WatcherConfig holds device watcher configuration.
type WatcherConfig struct {
	// Port can be overridden for tests; zero means AnnouncementPort.
	Port   int
	Logger zerolog.Logger
}

// Watcher listens for device announcements and maintains the set of
// devices currently visible on the network.
type Watcher struct {
	config WatcherConfig
	log    zerolog.Logger

	mu        sync.Mutex
	running   bool
	conn      *net.UDPConn
	stop      chan struct{}
	devices   map[int]*DeviceAnnouncement
	listeners map[AnnouncementListener]struct{}
}

// NewWatcher creates a device watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.Port == 0 {
		config.Port = AnnouncementPort
	}
	return &Watcher{
		config:    config,
		log:       config.Logger.With().Str("component", "devices").Logger(),
		devices:   make(map[int]*DeviceAnnouncement),
		listeners: make(map[AnnouncementListener]struct{}),
	}
}

// Start opens the announcement port and begins watching for devices.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: w.config.Port})
	if err != nil {
		return fmt.Errorf("failed to open announcement port %d: %w", w.config.Port, err)
	}
	w.conn = conn
	w.stop = make(chan struct{})
	w.running = true

	go w.receiveLoop(conn)
	go w.expireLoop(w.stop)

	w.log.Info().Int("port", w.config.Port).Msg("watching for device announcements")
	return nil
}

// Stop stops watching and forgets all known devices.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
	w.conn.Close()
	w.devices = make(map[int]*DeviceAnnouncement)
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// LatestAnnouncementFrom returns the most recent announcement from the
// given device number, or nil if that device is not currently visible.
func (w *Watcher) LatestAnnouncementFrom(number int) *DeviceAnnouncement {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.devices[number]
}

// Devices returns the currently visible devices, ordered by device number.
func (w *Watcher) Devices() []*DeviceAnnouncement {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]*DeviceAnnouncement, 0, len(w.devices))
	for _, a := range w.devices {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result
}

// AddAnnouncementListener registers a listener for device arrivals and
// departures. Nil or already-registered listeners are ignored.
func (w *Watcher) AddAnnouncementListener(listener AnnouncementListener) {
	if listener == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[listener] = struct{}{}
}

// RemoveAnnouncementListener unregisters a listener. Nil or unknown
// listeners are ignored.
func (w *Watcher) RemoveAnnouncementListener(listener AnnouncementListener) {
	if listener == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, listener)
}

func (w *Watcher) snapshotListeners() []AnnouncementListener {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]AnnouncementListener, 0, len(w.listeners))
	for l := range w.listeners {
		result = append(result, l)
	}
	return result
}

func (w *Watcher) receiveLoop(conn *net.UDPConn) {
	buffer := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if w.IsRunning() {
				w.log.Error().Err(err).Msg("problem reading announcement packet")
			}
			return
		}

		announcement, err := ParseAnnouncement(addr.IP.String(), buffer[:n])
		if err != nil {
			w.log.Debug().Err(err).Msg("ignoring unrecognized announcement packet")
			continue
		}
		if announcement == nil {
			continue
		}
		w.recordAnnouncement(announcement)
	}
}

// recordAnnouncement stores the announcement, notifying listeners if this
// is the first time we have seen the device.
func (w *Watcher) recordAnnouncement(announcement *DeviceAnnouncement) {
	w.mu.Lock()
	_, known := w.devices[announcement.Number]
	w.devices[announcement.Number] = announcement
	w.mu.Unlock()

	if !known {
		w.log.Info().Stringer("device", announcement).Msg("device found")
		for _, listener := range w.snapshotListeners() {
			w.deliver(func() { listener.DeviceFound(announcement) })
		}
	}
}

func (w *Watcher) expireLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.expireDevices()
		}
	}
}

func (w *Watcher) expireDevices() {
	var lost []*DeviceAnnouncement
	w.mu.Lock()
	for number, a := range w.devices {
		if time.Since(a.LastSeen) > deviceTimeout {
			delete(w.devices, number)
			lost = append(lost, a)
		}
	}
	w.mu.Unlock()

	for _, a := range lost {
		w.log.Info().Stringer("device", a).Msg("device lost")
		for _, listener := range w.snapshotListeners() {
			announcement := a
			w.deliver(func() { listener.DeviceLost(announcement) })
		}
	}
}

// deliver invokes one listener callback, so one misbehaving listener
// cannot take down delivery to the rest.
func (w *Watcher) deliver(notify func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn().Interface("panic", r).Msg("problem delivering device announcement to listener")
		}
	}()
	notify()
}
