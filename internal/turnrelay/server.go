// Package turnrelay embeds a TURN server in the relay daemon so calls
// behind symmetric NATs still get a relay path without deploying coturn.
package turnrelay

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mentora/callkit/internal/config"
)

const listenerThreads = 4

// Server wraps a pion TURN server configured from RelayConfig.
type Server struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	mu      sync.Mutex
	srv     *turn.Server
	running bool
	started time.Time
}

// New builds an unstarted TURN relay. PublicIP must be set; users are the
// "user=pass" pairs from config.
func New(cfg config.RelayConfig, logger *zap.Logger) (*Server, error) {
	if cfg.TURNPublicIP == "" {
		return nil, fmt.Errorf("turnrelay: public IP is required")
	}
	if cfg.TURNUsers == "" {
		return nil, fmt.Errorf("turnrelay: at least one user is required")
	}
	return &Server{cfg: cfg, logger: logger.Named("turnrelay")}, nil
}

// Start binds the UDP listeners and begins relaying.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("turnrelay: already running")
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", s.cfg.TURNPort))
	if err != nil {
		return fmt.Errorf("turnrelay: resolve listen address: %w", err)
	}

	usersMap := map[string][]byte{}
	for _, kv := range regexp.MustCompile(`(\w+)=(\w+)`).FindAllStringSubmatch(s.cfg.TURNUsers, -1) {
		usersMap[kv[1]] = turn.GenerateAuthKey(kv[1], s.cfg.TURNRealm, kv[2])
	}
	if len(usersMap) == 0 {
		return fmt.Errorf("turnrelay: no parseable users in %q", s.cfg.TURNUsers)
	}

	// Several UDP listeners share one address:port via SO_REUSEPORT; the
	// kernel load-balances received packets per IP 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	relayGen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.cfg.TURNPublicIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayGen.Validate(); err != nil {
		return fmt.Errorf("turnrelay: relay address generator: %w", err)
	}

	packetConns := make([]turn.PacketConnConfig, 0, listenerThreads)
	for i := 0; i < listenerThreads; i++ {
		conn, err := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if err != nil {
			for _, pcc := range packetConns {
				_ = pcc.PacketConn.Close()
			}
			return fmt.Errorf("turnrelay: listen %s: %w", addr, err)
		}
		packetConns = append(packetConns, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayGen,
		})
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.TURNRealm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := usersMap[username]
			return key, ok
		},
		PacketConnConfigs: packetConns,
	})
	if err != nil {
		for _, pcc := range packetConns {
			_ = pcc.PacketConn.Close()
		}
		return fmt.Errorf("turnrelay: create server: %w", err)
	}

	s.srv = srv
	s.running = true
	s.started = time.Now()
	s.logger.Info("TURN relay started",
		zap.Int("port", s.cfg.TURNPort),
		zap.String("publicIP", s.cfg.TURNPublicIP),
		zap.Int("listeners", listenerThreads))
	return nil
}

// Stop closes the server. Safe to call when never started.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.srv.Close(); err != nil {
		return fmt.Errorf("turnrelay: close: %w", err)
	}
	s.logger.Info("TURN relay stopped", zap.Duration("uptime", time.Since(s.started)))
	return nil
}

// Allocations reports the current relay allocation count.
func (s *Server) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return 0
	}
	return s.srv.AllocationCount()
}
