// ABOUTME: Parsers for the raw UDP packets DJ Link devices broadcast
// ABOUTME: Decodes keep-alive announcements and CDJ status reports
package devices

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// All DJ Link packets open with this ten-byte magic sequence.
var packetMagic = []byte{0x51, 0x73, 0x70, 0x74, 0x31, 0x57, 0x6d, 0x4a, 0x4f, 0x4c}

const (
	packetTypeKeepAlive byte = 0x06
	packetTypeCdjStatus byte = 0x0a

	keepAlivePacketLength = 0x36

	// Offsets within a CDJ status packet, per the reverse-engineered
	// protocol analysis.
	statusDeviceNumberOffset = 0x21
	statusSourcePlayerOffset = 0x28
	statusSourceSlotOffset   = 0x29
	statusTrackTypeOffset    = 0x2a
	statusRekordboxIDOffset  = 0x2c
	statusUsbStatusOffset    = 0x75
	statusSdStatusOffset     = 0x7a

	// The shortest CDJ status payload that carries all the fields we read.
	minimumStatusLength = 0x84
)

// deviceNameField extracts the padded UTF-8 device name found in both
// announcement and status packets.
func deviceNameField(packet []byte, offset int) string {
	name := packet[offset : offset+0x14]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// ParseAnnouncement decodes a device keep-alive packet as broadcast on the
// announcement port. Packets that are not keep-alives yield a nil result
// with no error so the caller can skip them cheaply.
func ParseAnnouncement(address string, packet []byte) (*DeviceAnnouncement, error) {
	if len(packet) < keepAlivePacketLength || !bytes.HasPrefix(packet, packetMagic) {
		return nil, fmt.Errorf("packet too short or missing magic header (%d bytes)", len(packet))
	}
	if packet[0x0a] != packetTypeKeepAlive {
		return nil, nil
	}
	return &DeviceAnnouncement{
		Name:     deviceNameField(packet, 0x0c),
		Number:   int(packet[0x24]),
		Address:  address,
		LastSeen: time.Now(),
	}, nil
}

// ParseCdjStatus decodes a CDJ status packet as received on the status
// port. Packets of other types (mixer status, beat packets) yield a nil
// result with no error.
func ParseCdjStatus(address string, packet []byte) (*CdjStatus, error) {
	if len(packet) < 0x0b || !bytes.HasPrefix(packet, packetMagic) {
		return nil, fmt.Errorf("packet too short or missing magic header (%d bytes)", len(packet))
	}
	if packet[0x0a] != packetTypeCdjStatus {
		return nil, nil
	}
	if len(packet) < minimumStatusLength {
		return nil, fmt.Errorf("CDJ status packet too short: %d bytes, need at least %d",
			len(packet), minimumStatusLength)
	}
	return &CdjStatus{
		DeviceNumber:      int(packet[statusDeviceNumberOffset]),
		DeviceName:        deviceNameField(packet, 0x0b),
		Address:           address,
		TrackSourcePlayer: int(packet[statusSourcePlayerOffset]),
		TrackSourceSlot:   trackSourceSlot(packet[statusSourceSlotOffset]),
		TrackType:         trackType(packet[statusTrackTypeOffset]),
		RekordboxID:       int(binary.BigEndian.Uint32(packet[statusRekordboxIDOffset : statusRekordboxIDOffset+4])),
		UsbStatus:         MediaStatus(packet[statusUsbStatusOffset]),
		SdStatus:          MediaStatus(packet[statusSdStatusOffset]),
	}, nil
}
