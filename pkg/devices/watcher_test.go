// ABOUTME: Tests for the announcement watcher and status receiver
// ABOUTME: Uses loopback UDP sockets on test-local ports
package devices

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendUDP fires one packet at a loopback port.
func sendUDP(t *testing.T, port int, packet []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(packet)
	require.NoError(t, err)
}

// countingAnnouncementListener counts arrivals and departures.
type countingAnnouncementListener struct {
	found chan *DeviceAnnouncement
}

func (l *countingAnnouncementListener) DeviceFound(a *DeviceAnnouncement) { l.found <- a }

func (l *countingAnnouncementListener) DeviceLost(a *DeviceAnnouncement) {}

func TestWatcherRecordsAnnouncedDevices(t *testing.T) {
	const port = 51500
	watcher := NewWatcher(WatcherConfig{Port: port, Logger: zerolog.Nop()})
	listener := &countingAnnouncementListener{found: make(chan *DeviceAnnouncement, 1)}
	watcher.AddAnnouncementListener(listener)
	watcher.AddAnnouncementListener(listener) // registering twice is harmless

	require.NoError(t, watcher.Start())
	defer watcher.Stop()
	require.NoError(t, watcher.Start(), "starting twice is a no-op")

	sendUDP(t, port, keepAlivePacket("CDJ-2000nexus", 2))

	select {
	case announcement := <-listener.found:
		assert.Equal(t, 2, announcement.Number)
	case <-time.After(2 * time.Second):
		t.Fatal("device was never reported")
	}

	require.Eventually(t, func() bool {
		return watcher.LatestAnnouncementFrom(2) != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, watcher.Devices(), 1)

	// A second keep-alive from the same device is not a new arrival.
	sendUDP(t, port, keepAlivePacket("CDJ-2000nexus", 2))
	require.Eventually(t, func() bool {
		return len(watcher.Devices()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, listener.found)
}

func TestWatcherStopForgetsDevices(t *testing.T) {
	const port = 51501
	watcher := NewWatcher(WatcherConfig{Port: port, Logger: zerolog.Nop()})
	require.NoError(t, watcher.Start())

	sendUDP(t, port, keepAlivePacket("XDJ-XZ", 4))
	require.Eventually(t, func() bool {
		return watcher.LatestAnnouncementFrom(4) != nil
	}, 2*time.Second, 10*time.Millisecond)

	watcher.Stop()
	assert.False(t, watcher.IsRunning())
	assert.Nil(t, watcher.LatestAnnouncementFrom(4))
}

// recordingUpdateListener collects every status report.
type recordingUpdateListener struct {
	updates chan *CdjStatus
}

func (l *recordingUpdateListener) Received(status *CdjStatus) { l.updates <- status }

func TestStatusReceiverDeliversUpdates(t *testing.T) {
	const port = 51502
	receiver := NewStatusReceiver(ReceiverConfig{Port: port, Logger: zerolog.Nop()})
	listener := &recordingUpdateListener{updates: make(chan *CdjStatus, 4)}
	receiver.AddUpdateListener(listener)

	require.NoError(t, receiver.Start())
	defer receiver.Stop()

	sendUDP(t, port, statusPacket(3, 2, SlotUSB, TrackRekordbox, 42))

	select {
	case status := <-listener.updates:
		assert.Equal(t, 3, status.DeviceNumber)
		assert.Equal(t, 42, status.RekordboxID)
	case <-time.After(2 * time.Second):
		t.Fatal("status update was never delivered")
	}

	// Garbage and non-status packets are ignored without fuss.
	sendUDP(t, port, []byte{1, 2, 3})
	sendUDP(t, port, keepAlivePacket("CDJ-2000nexus", 2))

	select {
	case status := <-listener.updates:
		t.Fatalf("unexpected delivery: %v", status)
	case <-time.After(200 * time.Millisecond):
	}
}
