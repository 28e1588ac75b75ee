// ABOUTME: Locates a player's database server and runs tasks over sessions
// ABOUTME: Queries the fixed port-lookup service, opens and closes clients
package dbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/rs/zerolog"
)

// ErrDeviceNotFound reports that no announcement has been seen from the
// requested player, so no connection can be attempted. This is a state
// error, not an I/O failure.
var ErrDeviceNotFound = errors.New("no device found for player")

// dbServerQueryPort is the fixed TCP port on which every player answers
// the "where is your database server" question.
const dbServerQueryPort = 12523

// portQueryPayload asks a player for its database server port.
var portQueryPayload = append([]byte{0x00, 0x00, 0x00, 0x0f},
	append([]byte("RemoteDBServer"), 0x00)...)

// QueryDBServerPort asks the device at the given address which port its
// database server is listening on.
func QueryDBServerPort(address string, timeout time.Duration) (int, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, dbServerQueryPort), timeout)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to port query service at %s: %w", address, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(portQueryPayload); err != nil {
		return 0, fmt.Errorf("sending dbserver port query: %w", err)
	}
	var response [2]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		return 0, fmt.Errorf("reading dbserver port query response: %w", err)
	}
	return int(binary.BigEndian.Uint16(response[:])), nil
}

// DeviceSource supplies the current announcement for a player number, so
// connections can be aimed at the right address.
type DeviceSource interface {
	LatestAnnouncementFrom(number int) *devices.DeviceAnnouncement
}

// ConnectionManager opens dbserver sessions to players on demand and
// guarantees they are closed when the task using them finishes.
type ConnectionManager struct {
	devices      DeviceSource
	deviceNumber int
	timeout      time.Duration
	log          zerolog.Logger
}

// NewConnectionManager creates a connection manager that poses as the
// given device number when talking to players.
func NewConnectionManager(source DeviceSource, deviceNumber int, logger zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		devices:      source,
		deviceNumber: deviceNumber,
		timeout:      5 * time.Second,
		log:          logger.With().Str("component", "connections").Logger(),
	}
}

// WithSession locates the named player, opens a session to its database
// server, runs the task, and closes the session on every exit path. The
// description identifies the operation in errors and logs.
func (cm *ConnectionManager) WithSession(player int, description string, task func(Session) error) error {
	announcement := cm.devices.LatestAnnouncementFrom(player)
	if announcement == nil {
		return fmt.Errorf("%w %d while %s", ErrDeviceNotFound, player, description)
	}

	port, err := QueryDBServerPort(announcement.Address, cm.timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", description, err)
	}

	client, err := Connect(announcement.Address, port, player, cm.deviceNumber, cm.log)
	if err != nil {
		return fmt.Errorf("%s: %w", description, err)
	}
	defer client.Close()

	cm.log.Debug().Int("player", player).Str("operation", description).Msg("dbserver session opened")
	return task(client)
}
