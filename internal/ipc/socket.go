package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
)

// maxFrame bounds a single frame read from a peer.
const maxFrame = 1 << 20

// releaseTimeout bounds the cleanup run for a disconnected client.
const releaseTimeout = 5 * time.Second

// DefaultOutbox is the per-connection event queue length.
const DefaultOutbox = 256

// Handler runs requests against the core. *server.Server implements it.
type Handler interface {
	Do(ctx context.Context, fn func(*server.Core)) error
	Clients() *server.ClientManager
}

// SocketServer handles incoming IPC connections. Every connection is one
// protocol client.
type SocketServer struct {
	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	handler    Handler
	outboxSize int
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool

	connMu sync.RWMutex
	conns  map[protocol.ClientID]*connection
}

type connection struct {
	conn    net.Conn
	client  *server.ConnectedClient
	writeMu sync.Mutex
	outbox  chan *Message
	done    chan struct{}
	dropped int
}

// NewSocketServer creates a socket server. An empty socketPath selects the
// per-user default.
func NewSocketServer(handler Handler, socketPath string, outboxSize int) (*SocketServer, error) {
	if socketPath == "" {
		var err error
		socketPath, err = getSocketPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get socket path: %w", err)
		}
	}
	if outboxSize <= 0 {
		outboxSize = DefaultOutbox
	}

	return &SocketServer{
		socketPath: socketPath,
		handler:    handler,
		outboxSize: outboxSize,
		conns:      make(map[protocol.ClientID]*connection),
	}, nil
}

// SocketPath returns the path the server listens on.
func (s *SocketServer) SocketPath() string {
	return s.socketPath
}

// Start starts the socket server
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}

	// Set socket permissions (user only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	logger.Infof("IPC socket server started at %s", s.socketPath)
	return nil
}

// Stop stops the socket server and drops every connection.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	if s.cancel != nil {
		s.cancel()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.connMu.RLock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.connMu.RUnlock()

	s.wg.Wait()

	os.RemoveAll(s.socketPath)

	logger.Info("IPC socket server stopped")
}

// DeliverEvent queues d for its client. It never blocks: when the client's
// queue is full the event is dropped.
func (s *SocketServer) DeliverEvent(client protocol.ClientID, d router.Delivery) {
	s.connMu.RLock()
	c, ok := s.conns[client]
	s.connMu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.outbox <- NewEventMessage(d):
	default:
		c.dropped++
		logger.Warnf("Client %d outbox full, dropped %s (%d dropped so far)", client, d.Event.Type, c.dropped)
	}
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorf("Failed to accept connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves one client until it disconnects. The first frame
// may be a hello naming the client.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	first, err := readMessage(conn)
	if err != nil {
		logger.Debugf("Connection closed before first message: %v", err)
		return
	}

	name := "anonymous"
	if first.Type == MessageTypeHello && first.Name != "" {
		name = first.Name
	}
	client, err := s.handler.Clients().RegisterClient(name, conn.RemoteAddr().String())
	if err != nil {
		writeMessage(conn, NewErrorReply(first, err))
		return
	}

	c := &connection{
		conn:   conn,
		client: client,
		outbox: make(chan *Message, s.outboxSize),
		done:   make(chan struct{}),
	}
	s.connMu.Lock()
	s.conns[client.ID] = c
	s.connMu.Unlock()

	logger.Debugf("IPC client %d (%s) connected", client.ID, name)

	s.wg.Add(1)
	go s.writeEvents(c)

	defer s.dropConnection(c)

	msg := first
	for {
		var reply *Message
		if msg.Type == MessageTypeHello {
			reply = NewReply(msg)
			reply.Client = uint32(client.ID)
		} else {
			reply = s.handleMessage(ctx, client.ID, msg)
		}
		if err := c.write(reply); err != nil {
			logger.Errorf("Failed to send response: %v", err)
			return
		}

		msg, err = readMessage(conn)
		if err != nil {
			logger.Debugf("Connection closed or read error: %v", err)
			return
		}
	}
}

func (s *SocketServer) dropConnection(c *connection) {
	s.connMu.Lock()
	delete(s.conns, c.client.ID)
	s.connMu.Unlock()
	close(c.done)

	id := c.client.ID
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := s.handler.Do(ctx, func(core *server.Core) {
		core.ClientGone(id)
	})
	if err != nil {
		// The core is gone; only the client number needs freeing.
		s.handler.Clients().UnregisterClient(id)
	}
	logger.Debugf("IPC client %d disconnected", id)
}

func (s *SocketServer) writeEvents(c *connection) {
	defer s.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbox:
			if err := c.write(msg); err != nil {
				logger.Debugf("Failed to push event to client %d: %v", c.client.ID, err)
				return
			}
		}
	}
}

func (c *connection) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeMessage(c.conn, msg)
}

// handleMessage runs one request on the core and builds its reply.
func (s *SocketServer) handleMessage(ctx context.Context, client protocol.ClientID, msg *Message) *Message {
	reply := NewReply(msg)
	var err error
	if doErr := s.handler.Do(ctx, func(core *server.Core) {
		err = apply(core, client, msg, reply)
	}); doErr != nil {
		err = doErr
	}
	if err != nil {
		return NewErrorReply(msg, err)
	}
	return reply
}

func apply(core *server.Core, client protocol.ClientID, msg *Message, reply *Message) error {
	switch msg.Type {
	case MessageTypeSelect:
		win, masks, err := GetSelect(msg)
		if err != nil {
			return err
		}
		return core.SelectEvents(client, win, masks)

	case MessageTypeSelectClasses:
		win, classes, err := GetSelectClasses(msg)
		if err != nil {
			return err
		}
		return core.SelectExtensionEvent(client, win, classes)

	case MessageTypeGetSelected:
		mine, all, err := core.GetSelectedEvents(client, xproto.Window(msg.Window))
		if err != nil {
			return err
		}
		devs := make([]protocol.DeviceID, 0, len(mine))
		for dev := range mine {
			devs = append(devs, dev)
		}
		slices.Sort(devs)
		for _, dev := range devs {
			wire := mine[dev].ToWire()
			reply.Masks = append(reply.Masks, DeviceMask{Device: uint32(dev), Len: uint32(len(wire) / 4), Mask: wire})
		}
		reply.Union = all.ToWire()
		return nil

	case MessageTypeGetSelectedClasses:
		mine, all, err := core.GetSelectedExtensionEvents(client, xproto.Window(msg.Window))
		if err != nil {
			return err
		}
		reply.Classes = toClasses(mine)
		reply.AllClasses = toClasses(all)
		return nil

	case MessageTypeDontPropagate:
		return core.ChangeDeviceDontPropagateList(xproto.Window(msg.Window), fromClasses(msg.Classes), protocol.ModeFlag(msg.Mode))

	case MessageTypeGetDontPropagate:
		classes, err := core.GetDeviceDontPropagateList(xproto.Window(msg.Window))
		if err != nil {
			return err
		}
		reply.Classes = toClasses(classes)
		return nil

	case MessageTypeGrabDevice:
		req, err := GetGrabDevice(msg)
		if err != nil {
			return err
		}
		status, err := core.GrabDevice(client, req)
		if err != nil {
			return err
		}
		reply.Status = uint32(status)
		return nil

	case MessageTypeUngrabDevice:
		return core.UngrabDevice(client, protocol.DeviceID(msg.Device), protocol.Generation(msg.Generation), xproto.Timestamp(msg.Time))

	case MessageTypeAllowEvents:
		return core.AllowEvents(client, protocol.DeviceID(msg.Device), protocol.AllowMode(msg.Mode), xproto.Timestamp(msg.Time))

	case MessageTypeGrabPassive:
		req, err := GetGrabPassive(msg)
		if err != nil {
			return err
		}
		return core.PassiveGrab(client, req)

	case MessageTypeUngrabPassive:
		win, crit, err := GetUngrabPassive(msg)
		if err != nil {
			return err
		}
		n, err := core.PassiveUngrab(client, win, crit)
		if err != nil {
			return err
		}
		reply.Count = uint32(n)
		return nil

	case MessageTypeInject:
		ev, err := GetInject(msg)
		if err != nil {
			return err
		}
		stamped, err := core.InjectEvent(ev)
		if err != nil {
			return err
		}
		reply.Delivery = &router.Delivery{Event: stamped}
		return nil

	case MessageTypeCreateWindow:
		return core.CreateWindow(client, xproto.Window(msg.Window), xproto.Window(msg.Parent), msg.Mapped)

	case MessageTypeMapWindow:
		return core.MapWindow(xproto.Window(msg.Window), msg.Mapped)

	case MessageTypeDestroyWindow:
		return core.DestroyWindow(xproto.Window(msg.Window))

	case MessageTypeState:
		st := core.Snapshot()
		reply.State = &st
		return nil

	case MessageTypeBreakGrabs:
		reply.Count = uint32(core.BreakGrabs())
		return nil

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// readMessage reads one length-prefixed frame.
func readMessage(r io.Reader) (*Message, error) {
	// Read message length (4 bytes, big endian)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	return Unmarshal(data)
}

// writeMessage writes one length-prefixed frame.
func writeMessage(w io.Writer, msg *Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data))) //nolint:gosec // frames stay far below 4GiB
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// getSocketPath returns the path for the Unix socket
func getSocketPath() (string, error) {
	currentUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}

	// Use /tmp/xigrab-{username}.sock
	socketPath := filepath.Join("/tmp", fmt.Sprintf("xigrab-%s.sock", currentUser.Username))
	return socketPath, nil
}

// GetSocketPath returns the socket path (for use by clients)
func GetSocketPath() (string, error) {
	return getSocketPath()
}
