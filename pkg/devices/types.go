// ABOUTME: Value types describing DJ Link devices and their status reports
// ABOUTME: Defines announcements, CDJ status fields, and listener interfaces
package devices

import (
	"fmt"
	"time"
)

// TrackSourceSlot identifies the media slot a track was loaded from.
type TrackSourceSlot byte

const (
	SlotNoTrack    TrackSourceSlot = 0x00
	SlotCD         TrackSourceSlot = 0x01
	SlotSD         TrackSourceSlot = 0x02
	SlotUSB        TrackSourceSlot = 0x03
	SlotCollection TrackSourceSlot = 0x04

	// SlotUnknown represents a slot value we have not seen documented.
	SlotUnknown TrackSourceSlot = 0xff
)

// String returns a human-readable slot name.
func (s TrackSourceSlot) String() string {
	switch s {
	case SlotNoTrack:
		return "no track"
	case SlotCD:
		return "CD"
	case SlotSD:
		return "SD"
	case SlotUSB:
		return "USB"
	case SlotCollection:
		return "rekordbox collection"
	}
	return fmt.Sprintf("unknown (0x%02x)", byte(s))
}

// trackSourceSlot maps a raw status byte to a slot, folding unrecognized
// values into SlotUnknown.
func trackSourceSlot(b byte) TrackSourceSlot {
	switch TrackSourceSlot(b) {
	case SlotNoTrack, SlotCD, SlotSD, SlotUSB, SlotCollection:
		return TrackSourceSlot(b)
	}
	return SlotUnknown
}

// TrackType identifies what kind of track a player has loaded.
type TrackType byte

const (
	TrackNone        TrackType = 0x00
	TrackRekordbox   TrackType = 0x01
	TrackUnanalyzed  TrackType = 0x02
	TrackCDDigitaAud TrackType = 0x05

	TrackUnknown TrackType = 0xff
)

func trackType(b byte) TrackType {
	switch TrackType(b) {
	case TrackNone, TrackRekordbox, TrackUnanalyzed, TrackCDDigitaAud:
		return TrackType(b)
	}
	return TrackUnknown
}

// MediaStatus reports the state of a local removable-media slot as seen in
// a CDJ status packet.
type MediaStatus byte

const (
	MediaLoaded    MediaStatus = 0x00
	MediaUnloading MediaStatus = 0x02
	MediaEmpty     MediaStatus = 0x04
)

// DeviceAnnouncement describes a device we have seen announcing itself on
// the network.
type DeviceAnnouncement struct {
	Name     string
	Number   int
	Address  string
	LastSeen time.Time
}

func (a *DeviceAnnouncement) String() string {
	return fmt.Sprintf("device %d (%s) at %s", a.Number, a.Name, a.Address)
}

// CdjStatus is a single status report from a CDJ. Only the fields needed to
// coordinate metadata retrieval are decoded; the rest of the packet is not
// our concern here.
type CdjStatus struct {
	DeviceNumber int
	DeviceName   string
	Address      string

	TrackSourcePlayer int
	TrackSourceSlot   TrackSourceSlot
	TrackType         TrackType
	RekordboxID       int

	UsbStatus MediaStatus
	SdStatus  MediaStatus
}

// LocalUsbEmpty reports whether the player's USB slot has no media in it.
func (s *CdjStatus) LocalUsbEmpty() bool { return s.UsbStatus == MediaEmpty }

// LocalUsbLoaded reports whether the player's USB slot has media mounted.
func (s *CdjStatus) LocalUsbLoaded() bool { return s.UsbStatus == MediaLoaded }

// LocalSdEmpty reports whether the player's SD slot has no media in it.
func (s *CdjStatus) LocalSdEmpty() bool { return s.SdStatus == MediaEmpty }

// LocalSdLoaded reports whether the player's SD slot has media mounted.
func (s *CdjStatus) LocalSdLoaded() bool { return s.SdStatus == MediaLoaded }

func (s *CdjStatus) String() string {
	return fmt.Sprintf("CdjStatus[device: %d, source player: %d, slot: %s, type: %d, rekordbox id: %d]",
		s.DeviceNumber, s.TrackSourcePlayer, s.TrackSourceSlot, s.TrackType, s.RekordboxID)
}

// AnnouncementListener is notified when devices appear on or vanish from
// the network.
type AnnouncementListener interface {
	DeviceFound(announcement *DeviceAnnouncement)
	DeviceLost(announcement *DeviceAnnouncement)
}

// UpdateListener is notified of every CDJ status packet received.
type UpdateListener interface {
	Received(status *CdjStatus)
}
