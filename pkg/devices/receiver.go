// ABOUTME: Receives CDJ status packets from the DJ Link status port
// ABOUTME: Parses them and fans them out to registered update listeners
package devices

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// StatusPort is the UDP port on which players send status updates.
const StatusPort = 50002

// ReceiverConfig holds status receiver configuration.
type ReceiverConfig struct {
	// Port can be overridden for tests; zero means StatusPort.
	Port   int
	Logger zerolog.Logger
}

// StatusReceiver listens for CDJ status packets and delivers them to
// registered update listeners on the receiving goroutine, so listeners
// must be quick and push slow work elsewhere.
type StatusReceiver struct {
	config ReceiverConfig
	log    zerolog.Logger

	mu        sync.Mutex
	running   bool
	conn      *net.UDPConn
	listeners map[UpdateListener]struct{}
}

// NewStatusReceiver creates a status receiver.
func NewStatusReceiver(config ReceiverConfig) *StatusReceiver {
	if config.Port == 0 {
		config.Port = StatusPort
	}
	return &StatusReceiver{
		config:    config,
		log:       config.Logger.With().Str("component", "status").Logger(),
		listeners: make(map[UpdateListener]struct{}),
	}
}

// Start opens the status port and begins delivering updates.
func (r *StatusReceiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: r.config.Port})
	if err != nil {
		return fmt.Errorf("failed to open status port %d: %w", r.config.Port, err)
	}
	r.conn = conn
	r.running = true

	go r.receiveLoop(conn)

	r.log.Info().Int("port", r.config.Port).Msg("receiving player status updates")
	return nil
}

// Stop stops receiving status updates.
func (r *StatusReceiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.conn.Close()
}

// IsRunning reports whether the receiver is active.
func (r *StatusReceiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// AddUpdateListener registers a listener for status updates. Nil or
// already-registered listeners are ignored.
func (r *StatusReceiver) AddUpdateListener(listener UpdateListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[listener] = struct{}{}
}

// RemoveUpdateListener unregisters a listener. Nil or unknown listeners
// are ignored.
func (r *StatusReceiver) RemoveUpdateListener(listener UpdateListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, listener)
}

func (r *StatusReceiver) snapshotListeners() []UpdateListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]UpdateListener, 0, len(r.listeners))
	for l := range r.listeners {
		result = append(result, l)
	}
	return result
}

func (r *StatusReceiver) receiveLoop(conn *net.UDPConn) {
	buffer := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if r.IsRunning() {
				r.log.Error().Err(err).Msg("problem reading status packet")
			}
			return
		}

		status, err := ParseCdjStatus(addr.IP.String(), buffer[:n])
		if err != nil {
			r.log.Debug().Err(err).Msg("ignoring unrecognized status packet")
			continue
		}
		if status == nil {
			continue
		}

		for _, listener := range r.snapshotListeners() {
			r.deliver(listener, status)
		}
	}
}

func (r *StatusReceiver) deliver(listener UpdateListener, status *CdjStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn().Interface("panic", rec).Msg("problem delivering status update to listener")
		}
	}()
	listener.Received(status)
}
