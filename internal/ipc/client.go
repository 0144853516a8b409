package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
)

// ErrNotRunning is returned when no server listens on the socket.
var ErrNotRunning = errors.New("xigrab is not running")

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("connection closed")

// Client dials a running xigrab server.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the per-user socket.
func NewClient() (*Client, error) {
	socketPath, err := GetSocketPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get socket path: %w", err)
	}
	return NewClientAt(socketPath), nil
}

// NewClientAt creates a client for the socket at socketPath.
func NewClientAt(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// NewClientWithTimeout creates a client with a custom request timeout.
func NewClientWithTimeout(timeout time.Duration) (*Client, error) {
	client, err := NewClient()
	if err != nil {
		return nil, err
	}
	client.timeout = timeout
	return client, nil
}

// SetTimeout changes the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Dial opens a long-lived connection registered under name.
func (c *Client) Dial(name string) (*Conn, error) {
	nc, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		if isConnectionRefused(err) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("failed to connect to xigrab: %w", err)
	}

	hello := NewHelloMessage(name)
	hello.Seq = 1
	if err := nc.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		logger.Warnf("Failed to set connection deadline: %v", err)
	}
	if err := writeMessage(nc, hello); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	reply, err := readMessage(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to read hello reply: %w", err)
	}
	if err := ReplyError(reply); err != nil {
		nc.Close()
		return nil, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		logger.Warnf("Failed to clear connection deadline: %v", err)
	}

	conn := &Conn{
		conn:    nc,
		id:      protocol.ClientID(reply.Client),
		timeout: c.timeout,
		seq:     1,
		pending: make(map[uint32]chan *Message),
		events:  make(chan router.Delivery, DefaultOutbox),
		closed:  make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// State fetches a state dump over a short-lived connection.
func (c *Client) State() (*server.State, error) {
	conn, err := c.Dial("status")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.State()
}

// BreakGrabs releases every active grab over a short-lived connection.
func (c *Client) BreakGrabs() (int, error) {
	conn, err := c.Dial("break-grabs")
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.BreakGrabs()
}

// IsRunning reports whether a server answers on the socket.
func (c *Client) IsRunning() bool {
	_, err := c.State()
	return err == nil
}

// Conn is one registered protocol client. Requests may be issued from
// several goroutines; replies are matched by sequence number.
type Conn struct {
	conn    net.Conn
	id      protocol.ClientID
	timeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan *Message
	err     error

	events chan router.Delivery
	closed chan struct{}
	once   sync.Once
}

// ID returns the client number the server assigned.
func (c *Conn) ID() protocol.ClientID { return c.id }

// ResourceBase returns the first resource id this client may allocate.
func (c *Conn) ResourceBase() uint32 { return uint32(c.id) << server.ClientIDShift }

// Events returns pushed deliveries. The channel is closed with the connection.
func (c *Conn) Events() <-chan router.Delivery { return c.events }

// Close closes the connection. The server releases the client's state.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer close(c.closed)

	for {
		msg, err := readMessage(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		if msg.Type == MessageTypeEvent {
			d, err := GetEvent(msg)
			if err != nil {
				logger.Warnf("Bad event frame: %v", err)
				continue
			}
			select {
			case c.events <- d:
			default:
				logger.Warnf("Client %d event queue full, dropped %s", c.id, d.Event.Type)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.Seq]
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		if !ok {
			logger.Debugf("Reply for unknown request %d", msg.Seq)
			continue
		}
		ch <- msg
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

// Request sends msg and waits for its reply. Error replies are returned as
// errors; protocol errors as *protocol.Error.
func (c *Conn) Request(msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	msg.Seq = c.seq
	c.pending[msg.Seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeMessage(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if err := ReplyError(reply); err != nil {
			return nil, err
		}
		return reply, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s request timed out after %s", msg.Type, c.timeout)
	}
}

func (c *Conn) do(msg *Message) error {
	_, err := c.Request(msg)
	return err
}

// Select sets extended selections on win.
func (c *Conn) Select(win xproto.Window, masks ...server.WireMask) error {
	return c.do(NewSelectMessage(win, masks))
}

// SelectClasses sets legacy selections on win.
func (c *Conn) SelectClasses(win xproto.Window, classes ...mask.Class) error {
	return c.do(NewSelectClassesMessage(win, classes))
}

// GetSelected returns this client's extended selections on win and the union
// of every client's.
func (c *Conn) GetSelected(win xproto.Window) (map[protocol.DeviceID]mask.EventMask, mask.EventMask, error) {
	reply, err := c.Request(NewGetSelectedMessage(win))
	if err != nil {
		return nil, mask.EventMask{}, err
	}
	mine := make(map[protocol.DeviceID]mask.EventMask, len(reply.Masks))
	for _, m := range reply.Masks {
		em, err := mask.FromWire(m.Mask, int(m.Len))
		if err != nil {
			return nil, mask.EventMask{}, err
		}
		mine[protocol.DeviceID(m.Device)] = em
	}
	var all mask.EventMask
	copy(all[:], reply.Union)
	return mine, all, nil
}

// GetSelectedClasses returns this client's legacy selections on win and
// every client's.
func (c *Conn) GetSelectedClasses(win xproto.Window) (mine, all []mask.Class, err error) {
	reply, err := c.Request(NewGetSelectedClassesMessage(win))
	if err != nil {
		return nil, nil, err
	}
	return fromClasses(reply.Classes), fromClasses(reply.AllClasses), nil
}

// DontPropagate changes win's suppression list.
func (c *Conn) DontPropagate(win xproto.Window, mode protocol.ModeFlag, classes ...mask.Class) error {
	return c.do(NewDontPropagateMessage(win, classes, mode))
}

// GetDontPropagate returns win's suppression list.
func (c *Conn) GetDontPropagate(win xproto.Window) ([]mask.Class, error) {
	reply, err := c.Request(NewGetDontPropagateMessage(win))
	if err != nil {
		return nil, err
	}
	return fromClasses(reply.Classes), nil
}

// GrabDevice requests an explicit grab.
func (c *Conn) GrabDevice(req server.GrabRequest) (protocol.GrabStatus, error) {
	reply, err := c.Request(NewGrabDeviceMessage(req))
	if err != nil {
		return 0, err
	}
	return protocol.GrabStatus(reply.Status), nil
}

// UngrabDevice releases an explicit grab.
func (c *Conn) UngrabDevice(dev protocol.DeviceID, gen protocol.Generation, t xproto.Timestamp) error {
	return c.do(NewUngrabDeviceMessage(dev, gen, t))
}

// AllowEvents releases frozen events.
func (c *Conn) AllowEvents(dev protocol.DeviceID, mode protocol.AllowMode, t xproto.Timestamp) error {
	return c.do(NewAllowEventsMessage(dev, mode, t))
}

// GrabPassive installs a passive grab.
func (c *Conn) GrabPassive(req server.PassiveGrabRequest) error {
	return c.do(NewGrabPassiveMessage(req))
}

// UngrabPassive removes passive grabs matching crit and returns how many
// were touched.
func (c *Conn) UngrabPassive(win xproto.Window, crit passive.Criteria) (int, error) {
	reply, err := c.Request(NewUngrabPassiveMessage(win, crit))
	if err != nil {
		return 0, err
	}
	return int(reply.Count), nil
}

// Inject feeds a synthetic hardware event and returns it as stamped by the
// server.
func (c *Conn) Inject(ev protocol.Event) (protocol.Event, error) {
	reply, err := c.Request(NewInjectMessage(ev))
	if err != nil {
		return protocol.Event{}, err
	}
	if reply.Delivery == nil {
		return protocol.Event{}, fmt.Errorf("inject reply without an event")
	}
	return reply.Delivery.Event, nil
}

// CreateWindow creates a window owned by this client.
func (c *Conn) CreateWindow(id, parent xproto.Window, mapped bool) error {
	return c.do(NewCreateWindowMessage(id, parent, mapped))
}

// MapWindow maps or unmaps a window.
func (c *Conn) MapWindow(id xproto.Window, mapped bool) error {
	return c.do(NewMapWindowMessage(id, mapped))
}

// DestroyWindow destroys a window and its descendants.
func (c *Conn) DestroyWindow(id xproto.Window) error {
	return c.do(NewDestroyWindowMessage(id))
}

// State fetches a state dump.
func (c *Conn) State() (*server.State, error) {
	reply, err := c.Request(NewStateMessage())
	if err != nil {
		return nil, err
	}
	if reply.State == nil {
		return &server.State{}, nil
	}
	return reply.State, nil
}

// BreakGrabs releases every active grab.
func (c *Conn) BreakGrabs() (int, error) {
	reply, err := c.Request(NewBreakGrabsMessage())
	if err != nil {
		return 0, err
	}
	return int(reply.Count), nil
}

// isConnectionRefused checks if the error is a connection refused error
func isConnectionRefused(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return netErr.Op == "dial"
	}
	return false
}
