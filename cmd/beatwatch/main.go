// ABOUTME: Entry point for the beatwatch DJ Link monitor
// ABOUTME: Wires config, device watching, metadata finding, and the TUI
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harperreed/beatlink-go/internal/config"
	"github.com/harperreed/beatlink-go/internal/ui"
	"github.com/harperreed/beatlink-go/pkg/dbserver"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/harperreed/beatlink-go/pkg/metadata"
	"github.com/rs/zerolog"
)

var (
	configPath = flag.String("config", "", "Config file path (default: search beatwatch.yaml)")
	logFile    = flag.String("log-file", "", "Log file path (default: beatwatch.log in TUI mode, stderr otherwise)")
	noTUI      = flag.Bool("no-tui", false, "Disable the TUI, stream logs instead")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration problem: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup, err := buildLogger(cfg, !*noTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging problem: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	watcher := devices.NewWatcher(devices.WatcherConfig{Logger: logger})
	receiver := devices.NewStatusReceiver(devices.ReceiverConfig{Logger: logger})
	manager := dbserver.NewConnectionManager(watcher, cfg.Device.Number, logger)
	finder := metadata.NewFinder(metadata.FinderConfig{
		Sessions: manager,
		Devices:  watcher,
		Logger:   logger,
	})
	finder.SetPassive(cfg.Metadata.Passive)

	watcher.AddAnnouncementListener(finder)
	receiver.AddUpdateListener(finder)

	if err := watcher.Start(); err != nil {
		logger.Fatal().Err(err).Msg("unable to watch for devices")
	}
	defer watcher.Stop()
	if err := receiver.Start(); err != nil {
		logger.Fatal().Err(err).Msg("unable to receive player status")
	}
	defer receiver.Stop()
	if err := finder.Start(); err != nil {
		logger.Fatal().Err(err).Msg("unable to start metadata finder")
	}
	defer finder.Stop()

	go attachConfiguredCaches(cfg, finder, logger)

	logger.Info().Str("device", cfg.Device.Name).Int("number", cfg.Device.Number).
		Bool("passive", cfg.Metadata.Passive).Msg("beatwatch started")

	if *noTUI {
		runHeadless(finder, logger)
		return
	}
	if err := runTUI(watcher, finder); err != nil {
		logger.Fatal().Err(err).Msg("TUI failed")
	}
}

// buildLogger sets up zerolog output. In TUI mode logs must stay off the
// terminal, so they go to a file.
func buildLogger(cfg *config.Config, tui bool) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("unknown log level %q: %w", cfg.Log.Level, err)
	}

	path := cfg.Log.File
	if *logFile != "" {
		path = *logFile
	}
	if tui && path == "" {
		path = "beatwatch.log"
	}

	if path == "" {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		return zerolog.New(writer).Level(level).With().Timestamp().Logger(), func() {}, nil
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	logger := zerolog.New(file).Level(level).With().Timestamp().Logger()
	return logger, func() { _ = file.Close() }, nil
}

// attachConfiguredCaches attaches the caches named in the config once
// their players show up on the network, giving up after a while.
func attachConfiguredCaches(cfg *config.Config, finder *metadata.Finder, logger zerolog.Logger) {
	deadline := time.Now().Add(time.Minute)
	remaining := append([]config.CacheAttachment(nil), cfg.Metadata.Caches...)

	for len(remaining) > 0 && time.Now().Before(deadline) {
		pending := remaining[:0]
		for _, attachment := range remaining {
			slot, err := attachment.TrackSourceSlot()
			if err != nil {
				logger.Error().Err(err).Msg("skipping invalid cache attachment")
				continue
			}
			err = finder.AttachMetadataCache(attachment.Player, slot, attachment.Path)
			switch {
			case err == nil:
			case errors.Is(err, dbserver.ErrDeviceNotFound):
				pending = append(pending, attachment) // player not seen yet
			default:
				logger.Error().Err(err).Str("path", attachment.Path).Msg("unable to attach configured cache")
			}
		}
		remaining = pending
		if len(remaining) > 0 {
			time.Sleep(2 * time.Second)
		}
	}
	for _, attachment := range remaining {
		logger.Warn().Int("player", attachment.Player).Str("path", attachment.Path).
			Msg("gave up attaching cache, player never appeared")
	}
}

// runHeadless logs events until interrupted.
func runHeadless(finder *metadata.Finder, logger zerolog.Logger) {
	finder.AddTrackMetadataListener(&loggingListener{log: logger})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	logger.Info().Msg("shutting down")
}

// loggingListener reports metadata changes to the log in headless mode.
type loggingListener struct {
	log zerolog.Logger
}

func (l *loggingListener) MetadataChanged(player int, track *metadata.TrackMetadata) {
	if track == nil {
		l.log.Info().Int("player", player).Msg("track unloaded")
		return
	}
	l.log.Info().Int("player", player).Str("title", track.Title).
		Str("artist", track.Artist).Msg("track loaded")
}

// runTUI starts the TUI and bridges finder and watcher events into it.
func runTUI(watcher *devices.Watcher, finder *metadata.Finder) error {
	controls := ui.NewControls()
	program, err := ui.Run(controls)
	if err != nil {
		return err
	}

	bridge := &tuiBridge{program: program}
	watcher.AddAnnouncementListener(bridge)
	finder.AddTrackMetadataListener(bridge)
	finder.AddCacheListener(bridge)
	defer watcher.RemoveAnnouncementListener(bridge)
	defer finder.RemoveTrackMetadataListener(bridge)
	defer finder.RemoveCacheListener(bridge)

	program.Send(ui.PassiveMsg{Passive: finder.Passive()})
	for _, announcement := range watcher.Devices() {
		program.Send(ui.DeviceFoundMsg{Announcement: announcement})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-controls.TogglePassive:
				finder.SetPassive(!finder.Passive())
				program.Send(ui.PassiveMsg{Passive: finder.Passive()})
			}
		}
	}()

	_, err = program.Run()
	return err
}

// tuiBridge forwards device and metadata events into the TUI.
type tuiBridge struct {
	program *tea.Program
}

func (b *tuiBridge) DeviceFound(announcement *devices.DeviceAnnouncement) {
	b.program.Send(ui.DeviceFoundMsg{Announcement: announcement})
}

func (b *tuiBridge) DeviceLost(announcement *devices.DeviceAnnouncement) {
	b.program.Send(ui.DeviceLostMsg{Announcement: announcement})
}

func (b *tuiBridge) MetadataChanged(player int, track *metadata.TrackMetadata) {
	b.program.Send(ui.MetadataMsg{Player: player, Track: track})
}

func (b *tuiBridge) CacheStateChanged(state metadata.CacheState) {
	b.program.Send(ui.CacheStateMsg{State: state})
}
