// ABOUTME: TCP session client for a player's remote database server
// ABOUTME: Handles the setup handshake and the menu request/render protocol
package dbserver

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/rs/zerolog"
)

// Session is the request/response surface the metadata layer consumes.
// Client implements it over a live TCP connection; tests substitute fakes.
type Session interface {
	// MenuRequest sends a query that sets up a menu of results, returning
	// the response that reports how many items are available.
	MenuRequest(requestType KnownType, menu MenuIdentifier, slot devices.TrackSourceSlot, arguments ...Field) (*Message, error)

	// RenderMenuItems retrieves the items of a previously requested menu,
	// in order, without the surrounding header and footer.
	RenderMenuItems(menu MenuIdentifier, slot devices.TrackSourceSlot, response *Message) ([]*Message, error)

	// SimpleRequest sends a single request and returns the single
	// response, verifying its type when expectedResponse is nonzero.
	SimpleRequest(requestType KnownType, expectedResponse KnownType, arguments ...Field) (*Message, error)

	// RequestContextField builds the standard leading argument that
	// identifies the requesting player, menu, and slot.
	RequestContextField(menu MenuIdentifier, slot devices.TrackSourceSlot) Field
}

// The transaction number used by the one-time setup exchange.
const setupTransaction = 0xfffffffe

// greetingValue is sent, and expected back, when a connection opens.
const greetingValue = 1

// Client is a connection to the database server running on one player.
// A Client is not safe for concurrent use; the connection manager hands
// each one to a single task at a time.
type Client struct {
	conn         net.Conn
	reader       *bufio.Reader
	targetPlayer int
	posingAs     int
	transaction  int64
	closed       bool
	log          zerolog.Logger
}

// Connect opens a dbserver session with the player at the given address
// and port, performing the greeting and setup exchange that enables
// database queries.
func Connect(address string, port int, targetPlayer, posingAsPlayer int, logger zerolog.Logger) (*Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dbserver on player %d: %w", targetPlayer, err)
	}

	client := &Client{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		targetPlayer: targetPlayer,
		posingAs:     posingAsPlayer,
		log: logger.With().Str("component", "dbserver").
			Int("player", targetPlayer).Logger(),
	}
	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dbserver setup with player %d failed: %w", targetPlayer, err)
	}
	return client, nil
}

// setup performs the greeting exchange followed by the setup request that
// unlocks further queries.
func (c *Client) setup() error {
	if err := Number4(greetingValue).Write(c.conn); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}
	greeting, err := ReadField(c.reader)
	if err != nil {
		return fmt.Errorf("reading greeting response: %w", err)
	}
	if number, ok := greeting.(*NumberField); !ok || number.Value() != greetingValue {
		return fmt.Errorf("%w: unexpected greeting response %v", ErrFraming, greeting)
	}

	request, err := NewMessage(setupTransaction, SetupReq, Number4(int64(c.posingAs)))
	if err != nil {
		return err
	}
	response, err := c.exchange(request)
	if err != nil {
		return err
	}
	c.log.Debug().Stringer("response", response).Msg("dbserver connection established")
	return nil
}

// nextTransaction returns the sequence number for a new query.
func (c *Client) nextTransaction() int64 {
	c.transaction++
	return c.transaction
}

// exchange sends one message and reads one response.
func (c *Client) exchange(request *Message) (*Message, error) {
	if c.closed {
		return nil, fmt.Errorf("dbserver connection to player %d is closed", c.targetPlayer)
	}
	if err := request.Write(c.conn); err != nil {
		return nil, fmt.Errorf("sending %s: %w", request.KnownType().Description(), err)
	}
	return ReadMessage(c.reader)
}

// RequestContextField builds the standard first argument of most queries:
// the requesting player, menu identifier, slot, and a trailing 1, packed
// into a 4-byte number.
func (c *Client) RequestContextField(menu MenuIdentifier, slot devices.TrackSourceSlot) Field {
	return Number4(int64(c.posingAs)<<24 | int64(menu)<<16 | int64(slot)<<8 | 1)
}

// MenuRequest sends a query that sets up a menu of results. The returned
// response reports, via MenuResultsCount, how many items can be rendered.
func (c *Client) MenuRequest(requestType KnownType, menu MenuIdentifier, slot devices.TrackSourceSlot, arguments ...Field) (*Message, error) {
	fullArguments := append([]Field{c.RequestContextField(menu, slot)}, arguments...)
	request, err := NewMessage(c.nextTransaction(), requestType, fullArguments...)
	if err != nil {
		return nil, err
	}
	response, err := c.exchange(request)
	if err != nil {
		return nil, err
	}
	if response.KnownType() != MenuAvailable {
		return nil, fmt.Errorf("%w: expected menu available response to %s, got %s",
			ErrFraming, requestType.Description(), response.KnownType().Description())
	}
	if response.Transaction.Value() != request.Transaction.Value() {
		return nil, fmt.Errorf("%w: menu response transaction %d does not match request %d",
			ErrFraming, response.Transaction.Value(), request.Transaction.Value())
	}
	return response, nil
}

// RenderMenuItems retrieves all the items of the menu that the supplied
// response made available, reading the header, the items, and the footer
// and returning just the items.
func (c *Client) RenderMenuItems(menu MenuIdentifier, slot devices.TrackSourceSlot, response *Message) ([]*Message, error) {
	count := response.MenuResultsCount()
	if count == NoMenuResultsAvailable || count == 0 {
		return nil, nil
	}

	request, err := NewMessage(c.nextTransaction(), RenderMenuReq,
		c.RequestContextField(menu, slot),
		Number4(0), Number4(count), Number4(0), Number4(count), Number4(0))
	if err != nil {
		return nil, err
	}
	header, err := c.exchange(request)
	if err != nil {
		return nil, err
	}
	if header.KnownType() != MenuHeader {
		return nil, fmt.Errorf("%w: expected menu header, got %s", ErrFraming, header.KnownType().Description())
	}

	var items []*Message
	for {
		item, err := ReadMessage(c.reader)
		if err != nil {
			return nil, err
		}
		if item.KnownType() == MenuFooter {
			return items, nil
		}
		items = append(items, item)
	}
}

// SimpleRequest sends a single request and returns the single response.
// When expectedResponse is nonzero, a response of any other type is an
// error.
func (c *Client) SimpleRequest(requestType KnownType, expectedResponse KnownType, arguments ...Field) (*Message, error) {
	request, err := NewMessage(c.nextTransaction(), requestType, arguments...)
	if err != nil {
		return nil, err
	}
	response, err := c.exchange(request)
	if err != nil {
		return nil, err
	}
	if expectedResponse != 0 && response.KnownType() != expectedResponse {
		return nil, fmt.Errorf("%w: expected %s response to %s, got %s",
			ErrFraming, expectedResponse.Description(), requestType.Description(),
			response.KnownType().Description())
	}
	return response, nil
}

// Close shuts down the connection. Closing an already-closed client is a
// no-op.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		c.log.Error().Err(err).Msg("problem closing dbserver connection")
	}
}
