package pppoe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when Start is called on a manager that
// already has a live session for the interface.
var ErrAlreadyRunning = errors.New("pppoe: session already running")

// SessionConfig describes one PPPoE session.
type SessionConfig struct {
	// Parent is the Ethernet interface the session rides on.
	Parent string
	// Username and Password authenticate against the access concentrator.
	Username string
	Password string
	// Service restricts discovery to a named service, empty for any.
	Service string
	// MTU caps the PPP interface MTU, 0 for the daemon default.
	MTU int
}

// Callbacks receive session lifecycle notifications. They are invoked
// from the manager's monitor goroutine; implementations must not call
// back into the manager synchronously.
type Callbacks struct {
	// Up fires when the PPP interface exists and has addresses.
	Up func(ifname string)
	// Down fires once when the session ends, whether or not Up fired.
	Down func(err error)
}

// Session is a handle on a running PPPoE session.
type Session interface {
	// Stop terminates the session. Safe to call more than once.
	Stop()
}

// Manager starts PPPoE sessions. The production implementation shells
// out to pppd; tests substitute their own.
type Manager interface {
	Start(cfg SessionConfig, cb Callbacks) (Session, error)
}

// PppdManager runs sessions through the pppd daemon with the rp-pppoe
// plugin. pppd owns session negotiation and IP configuration; the
// manager only supervises the process.
type PppdManager struct {
	PppdPath string
	// StartTimeout bounds how long pppd may take to bring the link up
	// before the session is treated as failed.
	StartTimeout time.Duration
	Logger       *zap.Logger

	mu      sync.Mutex
	running map[string]*pppdSession
}

// NewPppdManager creates a manager with the default pppd binary.
func NewPppdManager(logger *zap.Logger) *PppdManager {
	return &PppdManager{
		PppdPath:     "pppd",
		StartTimeout: 30 * time.Second,
		Logger:       logger,
		running:      make(map[string]*pppdSession),
	}
}

// Start launches pppd on cfg.Parent. The returned session is live until
// Stop is called or pppd exits on its own.
func (m *PppdManager) Start(cfg SessionConfig, cb Callbacks) (Session, error) {
	m.mu.Lock()
	if _, ok := m.running[cfg.Parent]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w on %s", ErrAlreadyRunning, cfg.Parent)
	}

	args := []string{
		"plugin", "rp-pppoe.so", cfg.Parent,
		"nodetach", "noipdefault", "defaultroute", "hide-password",
		"user", cfg.Username,
		"password", cfg.Password,
		"lcp-echo-interval", "20",
		"lcp-echo-failure", "3",
	}
	if cfg.Service != "" {
		args = append(args, "rp_pppoe_service", cfg.Service)
	}
	if cfg.MTU > 0 {
		args = append(args, "mtu", strconv.Itoa(cfg.MTU))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, m.PppdPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		cancel()
		m.mu.Unlock()
		return nil, fmt.Errorf("starting pppd on %s: %w", cfg.Parent, err)
	}

	s := &pppdSession{
		parent: cfg.Parent,
		cancel: cancel,
	}
	m.running[cfg.Parent] = s
	m.mu.Unlock()

	m.Logger.Info("Started pppd",
		zap.String("interface", cfg.Parent),
		zap.Int("pid", cmd.Process.Pid),
	)

	go m.monitor(s, cmd, cb)
	return s, nil
}

func (m *PppdManager) monitor(s *pppdSession, cmd *exec.Cmd, cb Callbacks) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// pppd writes /var/run/pppN.pid once IPCP completes and the
	// interface is configured. Poll for it rather than parsing logs.
	var err error
	deadline := time.After(m.StartTimeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
poll:
	for {
		select {
		case err = <-exited:
			if err == nil {
				err = errors.New("pppd exited before link up")
			}
			break poll
		case <-deadline:
			m.Logger.Warn("pppd did not come up in time",
				zap.String("interface", s.parent),
			)
			s.Stop()
			<-exited
			err = errors.New("pppd link-up timeout")
			break poll
		case <-tick.C:
			if name, ok := pppInterfaceUp(); ok {
				if cb.Up != nil {
					cb.Up(name)
				}
				err = <-exited
				break poll
			}
		}
	}

	m.mu.Lock()
	delete(m.running, s.parent)
	m.mu.Unlock()

	stopped := s.wasStopped()
	if stopped {
		err = nil
	}
	m.Logger.Info("pppd exited",
		zap.String("interface", s.parent),
		zap.Bool("stopped", stopped),
		zap.Error(err),
	)
	if cb.Down != nil {
		cb.Down(err)
	}
}

// pppInterfaceUp looks for the pid file of the first ppp unit.
func pppInterfaceUp() (string, bool) {
	for unit := 0; unit < 4; unit++ {
		name := "ppp" + strconv.Itoa(unit)
		if _, err := os.Stat("/var/run/" + name + ".pid"); err == nil {
			return name, true
		}
	}
	return "", false
}

type pppdSession struct {
	parent string
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

func (s *pppdSession) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

func (s *pppdSession) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
