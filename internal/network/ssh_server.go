// Package network serves the live grab view to remote terminals over SSH.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	bm "github.com/charmbracelet/wish/bubbletea"
	gossh "golang.org/x/crypto/ssh"
)

// SSHServer serves ui.TopModel to SSH sessions.
type SSHServer struct {
	address       string
	hostKeyPath   string
	whitelistOnly bool
	fetch         ui.StateFunc
	breaker       ui.BreakFunc

	sshServer *ssh.Server
	listener  net.Listener

	mu          sync.Mutex
	whitelist   map[string]bool
	sessions    map[string]string // sessionID -> remote address
	authRequest func(addr, fingerprint string) bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSSHServer creates a monitor from cfg. A nil breaker makes sessions
// read-only.
func NewSSHServer(cfg config.MonitorConfig, hostKeyPath string, fetch ui.StateFunc, breaker ui.BreakFunc) *SSHServer {
	whitelist := make(map[string]bool, len(cfg.SSHWhitelist))
	for _, fp := range cfg.SSHWhitelist {
		whitelist[fp] = true
	}
	if !cfg.AllowBreak {
		breaker = nil
	}
	return &SSHServer{
		address:       cfg.SSHAddress,
		hostKeyPath:   hostKeyPath,
		whitelistOnly: cfg.SSHWhitelistOnly,
		fetch:         fetch,
		breaker:       breaker,
		whitelist:     whitelist,
		sessions:      make(map[string]string),
	}
}

// SetAuthHandler sets the callback deciding on keys missing from the
// whitelist. Approved keys are added to it.
func (s *SSHServer) SetAuthHandler(onAuthRequest func(addr, fingerprint string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequest = onAuthRequest
}

// Start begins listening for SSH connections
func (s *SSHServer) Start(ctx context.Context) error {
	server, err := wish.NewServer(
		wish.WithHostKeyPath(s.hostKeyPath),
		wish.WithPublicKeyAuth(s.publicKeyAuth),
		wish.WithMiddleware(
			bm.Middleware(s.teaHandler),
			activeterm.Middleware(),
			s.loggingMiddleware(),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create SSH server: %w", err)
	}

	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.sshServer = server
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Infof("SSH monitor listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			logger.Errorf("SSH monitor error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *SSHServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the number of open sessions.
func (s *SSHServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop shuts down the SSH server
func (s *SSHServer) Stop() {
	s.stopOnce.Do(func() {
		if s.sshServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.sshServer.Shutdown(ctx)
		}
		s.wg.Wait()
	})
}

// authorized reports whether the key may open a session without asking.
func (s *SSHServer) authorized(key gossh.PublicKey) bool {
	if !s.whitelistOnly {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whitelist[gossh.FingerprintSHA256(key)]
}

func (s *SSHServer) publicKeyAuth(ctx ssh.Context, key ssh.PublicKey) bool {
	fingerprint := gossh.FingerprintSHA256(key)
	addr := ctx.RemoteAddr().String()

	if s.authorized(key) {
		logger.Debugf("SSH key accepted key=%s addr=%s", fingerprint, addr)
		return true
	}
	s.mu.Lock()
	ask := s.authRequest
	s.mu.Unlock()
	if ask == nil || !ask(addr, fingerprint) {
		logger.Infof("SSH key denied key=%s addr=%s", fingerprint, addr)
		return false
	}

	s.mu.Lock()
	s.whitelist[fingerprint] = true
	s.mu.Unlock()
	if err := config.AddSSHKeyToWhitelist(fingerprint); err != nil {
		logger.Errorf("Failed to add key to whitelist: %v", err)
	}
	logger.Infof("SSH key approved and added to whitelist key=%s addr=%s", fingerprint, addr)
	return true
}

// loggingMiddleware logs and tracks sessions
func (s *SSHServer) loggingMiddleware() wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			id := sess.Context().SessionID()
			addr := sess.RemoteAddr().String()

			s.mu.Lock()
			s.sessions[id] = addr
			s.mu.Unlock()
			logger.Infof("SSH monitor session started: user=%s addr=%s", sess.User(), addr)

			defer func() {
				s.mu.Lock()
				delete(s.sessions, id)
				s.mu.Unlock()
				logger.Infof("SSH monitor session ended: addr=%s", addr)
			}()

			h(sess)
		}
	}
}

func (s *SSHServer) teaHandler(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
	return ui.NewTopModel(s.fetch, s.breaker, ui.DefaultRefresh), []tea.ProgramOption{tea.WithAltScreen()}
}
