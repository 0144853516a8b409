package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/jezek/xgb/xproto"
)

// Server owns a Core seeded from the configuration and the goroutine that
// drives it.
type Server struct {
	config     *config.Config
	core       *Core
	clients    *ClientManager
	dispatcher *Dispatcher
	emergency  *EmergencyRelease

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a server from cfg. Deliveries go to out.
func New(cfg *config.Config, clock Clock, out router.Deliverer) (*Server, error) {
	clients := NewClientManager(cfg.Server.MaxClients)
	if cfg.Server.EventLog {
		out = logDeliveries(out)
	}
	core := NewCore(xproto.Window(cfg.Server.RootWindow), clock, clients, out)
	if err := Seed(core, cfg); err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		core:       core,
		clients:    clients,
		dispatcher: NewDispatcher(core, 64),
	}
	s.emergency = NewEmergencyRelease(s.dispatcher, cfg.Server.ReleaseFile)
	return s, nil
}

// Seed adds cfg's devices and windows to core.
func Seed(core *Core, cfg *config.Config) error {
	for _, dc := range cfg.Devices {
		d, err := DeviceFromConfig(dc)
		if err != nil {
			return err
		}
		if err := core.AddDevice(d); err != nil {
			return fmt.Errorf("failed to add device %d: %w", dc.ID, err)
		}
	}
	for _, wc := range cfg.Windows {
		parent := xproto.Window(wc.Parent)
		if parent == xproto.WindowNone {
			parent = core.Root()
		}
		if err := core.CreateWindow(ServerClient, xproto.Window(wc.ID), parent, wc.Viewable); err != nil {
			return fmt.Errorf("failed to create window 0x%x: %w", wc.ID, err)
		}
	}
	return nil
}

// DeviceFromConfig builds a device from its config entry.
func DeviceFromConfig(dc config.DeviceConfig) (*device.Device, error) {
	use, ok := device.ParseUse(dc.Use)
	if !ok {
		return nil, fmt.Errorf("device %d: unknown use %q", dc.ID, dc.Use)
	}
	caps, err := device.ParseCaps(dc.Caps)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", dc.ID, err)
	}
	return &device.Device{
		ID:       protocol.DeviceID(dc.ID),
		Name:     dc.Name,
		Use:      use,
		Caps:     caps,
		Enabled:  !dc.Disabled,
		Paired:   protocol.DeviceID(dc.Paired),
		Attached: protocol.DeviceID(dc.Attached),
	}, nil
}

func logDeliveries(out router.Deliverer) router.Deliverer {
	return router.DelivererFunc(func(client protocol.ClientID, d router.Delivery) {
		logger.Debugf("deliver to %d on 0x%x grabbed=%v: %s", client, uint32(d.Window), d.Grabbed, d.Event)
		out.DeliverEvent(client, d)
	})
}

// Start runs the dispatcher and arms the emergency release.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("dispatcher stopped: %v", err)
		}
	}()

	if err := s.emergency.Start(); err != nil {
		logger.Warnf("emergency release unavailable: %v", err)
	}

	logger.Infof("xigrab core running: root 0x%x, %d devices, %d windows",
		s.config.Server.RootWindow, len(s.config.Devices), len(s.config.Windows))
	return nil
}

// Stop stops the dispatcher and emergency release.
func (s *Server) Stop() {
	s.emergency.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.dispatcher.Stop()
	s.wg.Wait()
	logger.Info("xigrab core stopped")
}

// Do runs fn against the core on the dispatch goroutine.
func (s *Server) Do(ctx context.Context, fn func(*Core)) error {
	return s.dispatcher.Do(ctx, fn)
}

// Clients returns the client manager.
func (s *Server) Clients() *ClientManager {
	return s.clients
}
