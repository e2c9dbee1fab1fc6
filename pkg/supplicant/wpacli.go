package supplicant

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CLIManagerConfig configures the wpa_cli-backed manager.
type CLIManagerConfig struct {
	// WpaCliPath is the path to the wpa_cli binary.
	WpaCliPath string

	// PollInterval is how often interface status is polled.
	PollInterval time.Duration

	// CommandTimeout bounds each wpa_cli invocation.
	CommandTimeout time.Duration
}

// DefaultCLIManagerConfig returns sensible defaults.
func DefaultCLIManagerConfig() CLIManagerConfig {
	return CLIManagerConfig{
		WpaCliPath:     "/usr/sbin/wpa_cli",
		PollInterval:   500 * time.Millisecond,
		CommandTimeout: 5 * time.Second,
	}
}

// CLIManager implements Manager by driving the external wpa_supplicant
// daemon through wpa_cli, polling interface status for state changes.
type CLIManager struct {
	config CLIManagerConfig
	logger *zap.Logger

	mu     sync.Mutex
	ifaces map[string]*cliInterface
}

// NewCLIManager creates a wpa_cli-backed supplicant manager.
func NewCLIManager(config CLIManagerConfig, logger *zap.Logger) *CLIManager {
	return &CLIManager{
		config: config,
		logger: logger,
		ifaces: make(map[string]*cliInterface),
	}
}

// CreateInterface asks the daemon to take over the link. The result is
// delivered on a separate goroutine.
func (m *CLIManager) CreateInterface(ifindex int, ifname, driver string, cb func(Interface, error)) {
	go func() {
		if _, err := m.run("interface_add", ifname, "", driver); err != nil {
			cb(nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err))
			return
		}

		iface := &cliInterface{
			manager: m,
			ifname:  ifname,
			ifindex: ifindex,
			state:   IfaceDisconnected,
			auth:    AuthUnknown,
			stopCh:  make(chan struct{}),
		}

		m.mu.Lock()
		m.ifaces[ifname] = iface
		m.mu.Unlock()

		go iface.pollLoop(m.config.PollInterval)

		m.logger.Info("Supplicant interface created",
			zap.String("interface", ifname),
			zap.String("driver", driver),
		)
		cb(iface, nil)
	}()
}

// RemoveInterface releases the interface back to the daemon.
func (m *CLIManager) RemoveInterface(iface Interface) {
	ci, ok := iface.(*cliInterface)
	if !ok {
		return
	}

	m.mu.Lock()
	if _, exists := m.ifaces[ci.ifname]; exists {
		delete(m.ifaces, ci.ifname)
		close(ci.stopCh)
	}
	m.mu.Unlock()

	if _, err := m.run("interface_remove", ci.ifname); err != nil {
		m.logger.Warn("Failed to remove supplicant interface",
			zap.String("interface", ci.ifname),
			zap.Error(err),
		)
	}
}

// run executes a wpa_cli command.
func (m *CLIManager) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.config.WpaCliPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("wpa_cli %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}

	out := stdout.String()
	if strings.Contains(out, "FAIL") {
		return out, fmt.Errorf("wpa_cli %s: command failed", args[0])
	}
	return out, nil
}

func (m *CLIManager) runOn(ifname string, args ...string) (string, error) {
	return m.run(append([]string{"-i", ifname}, args...)...)
}

// cliInterface is one daemon-managed link.
type cliInterface struct {
	manager *CLIManager
	ifname  string
	ifindex int
	stopCh  chan struct{}

	mu          sync.Mutex
	state       InterfaceState
	auth        AuthState
	onState     func(InterfaceState)
	onAuthState func(AuthState)
}

func (i *cliInterface) Associate(cfg *AssocConfig) error {
	out, err := i.manager.runOn(i.ifname, "add_network")
	if err != nil {
		return fmt.Errorf("%w: add_network: %v", ErrAssociationRejected, err)
	}
	netID := strings.TrimSpace(out)

	settings := [][2]string{
		{"key_mgmt", "IEEE8021X"},
		{"eapol_flags", "0"},
		{"eap", strings.ToUpper(strings.Join(cfg.EAP, " "))},
		{"identity", quote(cfg.Identity)},
	}
	if cfg.AnonymousIdentity != "" {
		settings = append(settings, [2]string{"anonymous_identity", quote(cfg.AnonymousIdentity)})
	}
	if cfg.Password != "" {
		settings = append(settings, [2]string{"password", quote(cfg.Password)})
	}
	if cfg.CACert != "" {
		settings = append(settings, [2]string{"ca_cert", quote(cfg.CACert)})
	}
	if cfg.ClientCert != "" {
		settings = append(settings, [2]string{"client_cert", quote(cfg.ClientCert)})
	}
	if cfg.PrivateKey != "" {
		settings = append(settings, [2]string{"private_key", quote(cfg.PrivateKey)})
	}
	if cfg.PrivateKeyPass != "" {
		settings = append(settings, [2]string{"private_key_passwd", quote(cfg.PrivateKeyPass)})
	}

	for _, kv := range settings {
		if _, err := i.manager.runOn(i.ifname, "set_network", netID, kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: set %s: %v", ErrAssociationRejected, kv[0], err)
		}
	}

	if _, err := i.manager.runOn(i.ifname, "enable_network", netID); err != nil {
		return fmt.Errorf("%w: enable_network: %v", ErrAssociationRejected, err)
	}
	return nil
}

func (i *cliInterface) Disconnect() error {
	_, err := i.manager.runOn(i.ifname, "disconnect")
	return err
}

func (i *cliInterface) State() InterfaceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *cliInterface) AuthState() AuthState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.auth
}

func (i *cliInterface) OnStateChanged(cb func(InterfaceState)) {
	i.mu.Lock()
	i.onState = cb
	i.mu.Unlock()
}

func (i *cliInterface) OnAuthStateChanged(cb func(AuthState)) {
	i.mu.Lock()
	i.onAuthState = cb
	i.mu.Unlock()
}

// pollLoop polls wpa_cli status and fires callbacks on transitions.
func (i *cliInterface) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stopCh:
			return
		case <-ticker.C:
			i.poll()
		}
	}
}

func (i *cliInterface) poll() {
	out, err := i.manager.runOn(i.ifname, "status")
	if err != nil {
		i.update(IfaceDown, AuthUnknown)
		return
	}

	state := IfaceDisconnected
	auth := AuthUnknown
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "wpa_state":
			state = parseWpaState(value)
		case "suppPortStatus":
			if value == "Authorized" {
				auth = AuthSuccess
			} else {
				auth = AuthStarted
			}
		case "EAP state":
			switch value {
			case "SUCCESS":
				auth = AuthSuccess
			case "FAILURE":
				auth = AuthFailure
			}
		}
	}

	i.update(state, auth)
}

func (i *cliInterface) update(state InterfaceState, auth AuthState) {
	i.mu.Lock()
	stateChanged := state != i.state
	authChanged := auth != i.auth
	i.state = state
	i.auth = auth
	onState := i.onState
	onAuth := i.onAuthState
	i.mu.Unlock()

	if stateChanged && onState != nil {
		onState(state)
	}
	if authChanged && onAuth != nil {
		onAuth(auth)
	}
}

func parseWpaState(s string) InterfaceState {
	switch s {
	case "ASSOCIATING", "AUTHENTICATING":
		return IfaceAssociating
	case "ASSOCIATED", "4WAY_HANDSHAKE", "GROUP_HANDSHAKE":
		return IfaceAssociated
	case "COMPLETED":
		return IfaceCompleted
	case "INTERFACE_DISABLED":
		return IfaceDown
	default:
		return IfaceDisconnected
	}
}

func quote(s string) string {
	return `"` + s + `"`
}
