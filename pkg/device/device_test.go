package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/link"
	"github.com/netplane-io/linkd/pkg/pppoe"
	"github.com/netplane-io/linkd/pkg/profile"
	"github.com/netplane-io/linkd/pkg/secrets"
	"github.com/netplane-io/linkd/pkg/supplicant"
	"github.com/netplane-io/linkd/pkg/timing"
)

type mockPlatform struct {
	mu       sync.Mutex
	ifindex  int
	carrier  bool
	idxErr   error
	negErr   error
	addrs    []*net.IPNet
	routes   []net.IP
	wolCalls int
	flushes  int
}

func (m *mockPlatform) IfIndex(string) (int, error) {
	if m.idxErr != nil {
		return 0, m.idxErr
	}
	return m.ifindex, nil
}

func (m *mockPlatform) Properties(int) (*link.Properties, error) {
	return &link.Properties{Index: m.ifindex, Carrier: m.carrier}, nil
}

func (m *mockPlatform) Carrier(int) (bool, error) { return m.carrier, nil }
func (m *mockPlatform) SetMTU(int, int) error     { return nil }
func (m *mockPlatform) SetUp(int) error           { return nil }

func (m *mockPlatform) SetNegotiation(int, link.Negotiation) error { return m.negErr }

func (m *mockPlatform) SetWakeOnLAN(int, []link.WakeOnLANMode, net.HardwareAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wolCalls++
	return nil
}

func (m *mockPlatform) AddAddress(_ int, a *net.IPNet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs = append(m.addrs, a)
	return nil
}

func (m *mockPlatform) AddDefaultRoute(_ int, gw net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, gw)
	return nil
}

func (m *mockPlatform) FlushAddresses(int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	m.addrs = nil
	return nil
}

type fakeIface struct {
	state        supplicant.InterfaceState
	auth         supplicant.AuthState
	stateCB      func(supplicant.InterfaceState)
	authCB       func(supplicant.AuthState)
	associations int
	assocErr     error
	disconnects  int
}

func (f *fakeIface) Associate(*supplicant.AssocConfig) error {
	f.associations++
	return f.assocErr
}
func (f *fakeIface) Disconnect() error                  { f.disconnects++; return nil }
func (f *fakeIface) State() supplicant.InterfaceState   { return f.state }
func (f *fakeIface) AuthState() supplicant.AuthState    { return f.auth }
func (f *fakeIface) OnStateChanged(cb func(supplicant.InterfaceState)) {
	f.stateCB = cb
}
func (f *fakeIface) OnAuthStateChanged(cb func(supplicant.AuthState)) {
	f.authCB = cb
}

func (f *fakeIface) push(s supplicant.InterfaceState) {
	f.state = s
	if f.stateCB != nil {
		f.stateCB(s)
	}
}

func (f *fakeIface) pushAuth(s supplicant.AuthState) {
	f.auth = s
	if f.authCB != nil {
		f.authCB(s)
	}
}

type fakeSupMgr struct {
	created   int
	removed   int
	createErr error
	ifaces    []*fakeIface
	pending   func(supplicant.Interface, error)
}

func (m *fakeSupMgr) CreateInterface(_ int, _, _ string, cb func(supplicant.Interface, error)) {
	m.created++
	m.pending = cb
}

func (m *fakeSupMgr) RemoveInterface(supplicant.Interface) { m.removed++ }

// grant delivers the pending interface creation.
func (m *fakeSupMgr) grant(t *testing.T) *fakeIface {
	t.Helper()
	if m.pending == nil {
		t.Fatal("no pending interface creation")
	}
	cb := m.pending
	m.pending = nil
	if m.createErr != nil {
		cb(nil, m.createErr)
		return nil
	}
	iface := &fakeIface{}
	m.ifaces = append(m.ifaces, iface)
	cb(iface, nil)
	return iface
}

type fakeAgent struct {
	mu       sync.Mutex
	requests []*secrets.Request
	handles  []secrets.Handle
}

func (a *fakeAgent) GetSecrets(h secrets.Handle, req *secrets.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	a.handles = append(a.handles, h)
}

func (a *fakeAgent) CancelSecrets(secrets.Handle) {}

func (a *fakeAgent) lastHandle(t *testing.T) secrets.Handle {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		t.Fatal("no secrets request issued")
	}
	return a.handles[len(a.handles)-1]
}

type mockDCBTool struct {
	enables   int
	setups    int
	enableErr error
	setupErr  error
}

func (m *mockDCBTool) Enable(string, bool) error        { m.enables++; return m.enableErr }
func (m *mockDCBTool) Setup(string, *profile.DCB) error { m.setups++; return m.setupErr }
func (m *mockDCBTool) Cleanup(string) error             { return nil }

type fakePPPSession struct{ stops int }

func (s *fakePPPSession) Stop() { s.stops++ }

type fakePPP struct {
	starts   int
	startErr error
	cb       pppoe.Callbacks
	sess     *fakePPPSession
}

func (p *fakePPP) Start(_ pppoe.SessionConfig, cb pppoe.Callbacks) (pppoe.Session, error) {
	p.starts++
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.cb = cb
	p.sess = &fakePPPSession{}
	return p.sess, nil
}

type fixture struct {
	dev      *Device
	platform *mockPlatform
	sup      *fakeSupMgr
	agent    *fakeAgent
	broker   *secrets.Broker
	tool     *mockDCBTool
	ppp      *fakePPP
	clock    *timing.FakeClock

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		platform: &mockPlatform{ifindex: 3, carrier: true},
		sup:      &fakeSupMgr{},
		agent:    &fakeAgent{},
		tool:     &mockDCBTool{},
		ppp:      &fakePPP{},
		clock:    timing.NewFake(time.Unix(5000, 0)),
	}
	f.broker = secrets.NewBroker(f.agent, logger)
	f.dev = New("eth0", Deps{
		Platform:    f.platform,
		Supplicants: f.sup,
		Secrets:     f.broker,
		DCBTool:     f.tool,
		PPP:         f.ppp,
		Clock:       f.clock,
		Logger:      logger,
	}, opts)
	f.dev.OnEvent(func(e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) states() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.events))
	for i, e := range f.events {
		out[i] = e.State
	}
	return out
}

func (f *fixture) sawState(s State) bool {
	for _, got := range f.states() {
		if got == s {
			return true
		}
	}
	return false
}

func statesEqual(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func securityProfile(optional bool, password string) *profile.Profile {
	return &profile.Profile{
		Name:      "corp",
		Type:      profile.TypeWired,
		Interface: "eth0",
		Security: &profile.Security8021x{
			EAP:      []string{"tls"},
			Identity: "user",
			Password: password,
			Optional: optional,
		},
		IP: profile.IPSettings{Method: profile.IPMethodDisabled},
	}
}

func TestActivate8021xHappyPath(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "hunter2")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.State() != StateConfig {
		t.Fatalf("state = %v, want config while negotiating", f.dev.State())
	}

	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)
	iface.push(supplicant.IfaceCompleted)

	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
	if f.sup.created != 1 {
		t.Errorf("created = %d interfaces, want 1", f.sup.created)
	}
	if iface.associations != 1 {
		t.Errorf("associations = %d, want 1", iface.associations)
	}

	want := []State{
		StatePrepare, StateConfig, StateIPConfig,
		StateIPCheck, StateSecondaries, StateActivated,
	}
	if got := f.states(); !statesEqual(got, want) {
		t.Errorf("state sequence = %v, want %v", got, want)
	}
	for _, e := range f.events {
		if e.AttemptID == "" {
			t.Error("event missing attempt id")
		}
	}
}

func TestActivateRequiresDisconnectedOrFailed(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := f.dev.Activate(securityProfile(false, "pw")); !errors.Is(err, ErrBadState) {
		t.Fatalf("second Activate() error = %v, want ErrBadState", err)
	}
}

func TestActivateInvalidProfileFails(t *testing.T) {
	f := newFixture(t, Options{})

	bad := &profile.Profile{Name: "broken", Type: profile.TypePPPoE}
	if err := f.dev.Activate(bad); err == nil {
		t.Fatal("Activate() accepted an invalid profile")
	}
	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonConfigFailed {
		t.Fatalf("reason = %v, want config-failed", f.dev.Reason())
	}
}

func TestOptionalAuthFallback(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(true, "")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)

	// The authenticator never answers; the auth wait expires.
	f.clock.Advance(supplicant.AuthWaitTimeout)

	if f.sawState(StateNeedAuth) {
		t.Error("optional auth must not prompt for secrets")
	}
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated without authentication", f.dev.State())
	}

	// A late auth success must not disturb the activated device.
	iface.pushAuth(supplicant.AuthSuccess)
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v after late auth success", f.dev.State())
	}
	if iface.associations != 1 {
		t.Errorf("associations = %d, want 1", iface.associations)
	}
}

func TestMissingSecretsRequestedBeforeSession(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.State() != StateNeedAuth {
		t.Fatalf("state = %v, want need-auth", f.dev.State())
	}
	if f.sup.created != 0 {
		t.Fatal("session started before secrets arrived")
	}

	f.broker.Deliver("eth0", f.agent.lastHandle(t), secrets.Secrets{"password": "fresh"}, nil)

	if f.dev.State() != StateConfig {
		t.Fatalf("state = %v, want config after secrets", f.dev.State())
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)
	iface.push(supplicant.IfaceCompleted)
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
}

func TestSecretsRetryExhaustionFailsNoSecrets(t *testing.T) {
	f := newFixture(t, Options{AuthRetries: 2})

	if err := f.dev.Activate(securityProfile(false, "")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	agentErr := errors.New("agent says no")
	for i := 0; i < 3; i++ {
		f.broker.Deliver("eth0", f.agent.lastHandle(t), nil, agentErr)
	}

	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonNoSecrets {
		t.Fatalf("reason = %v, want no-secrets", f.dev.Reason())
	}
	if len(f.agent.requests) != 3 {
		t.Errorf("requests = %d, want 3 (initial + two retries)", len(f.agent.requests))
	}
	// Retries must carry the request-new flag.
	for i, req := range f.agent.requests[1:] {
		if req.Flags&secrets.FlagRequestNew == 0 {
			t.Errorf("retry %d missing request-new flag", i+1)
		}
	}
}

func TestAuthDeferredUntilCarrier(t *testing.T) {
	f := newFixture(t, Options{})
	f.platform.carrier = false

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.sup.created != 0 {
		t.Fatal("session started with carrier down")
	}

	f.dev.OnCarrierChanged(true)
	if f.sup.created != 1 {
		t.Fatalf("created = %d after carrier up, want 1", f.sup.created)
	}
}

func TestAssociationTimeoutSilentRetryWhenSeenBefore(t *testing.T) {
	f := newFixture(t, Options{AssocTimeout: 5 * time.Second})

	p := securityProfile(false, "pw")
	p.LastSuccessfulAt = time.Unix(100, 0)
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.sup.grant(t)

	// Stuck in association.
	f.clock.Advance(5 * time.Second)

	if f.sawState(StateNeedAuth) {
		t.Error("profile that worked before must retry silently")
	}
	if f.sup.created != 2 {
		t.Fatalf("created = %d, want 2 (one retry)", f.sup.created)
	}
}

func TestAssociationTimeoutPromptsWhenNeverWorked(t *testing.T) {
	f := newFixture(t, Options{AssocTimeout: 5 * time.Second})

	if err := f.dev.Activate(securityProfile(false, "stale")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.sup.grant(t)
	f.clock.Advance(5 * time.Second)

	if f.dev.State() != StateNeedAuth {
		t.Fatalf("state = %v, want need-auth", f.dev.State())
	}
	req := f.agent.requests[len(f.agent.requests)-1]
	if req.Flags&secrets.FlagRequestNew == 0 {
		t.Error("prompt after association timeout must request new secrets")
	}
}

func TestSupplicantDownFailsActivation(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)
	iface.push(supplicant.IfaceDown)

	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonSupplicantFailed {
		t.Fatalf("reason = %v, want supplicant-failed", f.dev.Reason())
	}
}

func TestPostActivationAuthTimeout(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)
	iface.push(supplicant.IfaceCompleted)
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}

	f.dev.mu.Lock()
	gen := f.dev.gen
	f.dev.mu.Unlock()
	f.dev.onSessionTimeout(gen, supplicant.TimeoutAuth)

	if f.dev.Reason() != ReasonSupplicantTimeout {
		t.Fatalf("reason = %v, want supplicant-timeout", f.dev.Reason())
	}
}

func TestDCBAdvancesOneStepPerCarrierEvent(t *testing.T) {
	f := newFixture(t, Options{})

	p := &profile.Profile{
		Name:      "storage",
		Type:      profile.TypeWired,
		Interface: "eth0",
		DCB:       &profile.DCB{FCoEEnabled: true, FCoEPriority: 3},
		IP:        profile.IPSettings{Method: profile.IPMethodDisabled},
	}
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.tool.enables != 1 {
		t.Fatalf("enables = %d, want 1 (carrier already up)", f.tool.enables)
	}
	if f.dev.State() != StateConfig {
		t.Fatalf("state = %v, want config during DCB wait", f.dev.State())
	}

	f.dev.OnCarrierChanged(false)
	f.dev.OnCarrierChanged(true)
	if f.tool.setups != 1 {
		t.Fatalf("setups = %d, want 1 after preconfig cycle", f.tool.setups)
	}
	if f.dev.State() != StateConfig {
		t.Fatalf("state = %v, want config during postconfig wait", f.dev.State())
	}

	f.dev.OnCarrierChanged(false)
	f.dev.OnCarrierChanged(true)

	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated after DCB completes", f.dev.State())
	}
	if f.tool.enables != 1 || f.tool.setups != 1 {
		t.Errorf("enable/setup ran %d/%d times, want 1/1", f.tool.enables, f.tool.setups)
	}
}

func TestDCBEnableFailureFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.tool.enableErr = errors.New("dcbtool rejected")

	p := &profile.Profile{
		Name:      "storage",
		Type:      profile.TypeWired,
		Interface: "eth0",
		DCB:       &profile.DCB{FCoEEnabled: true},
		IP:        profile.IPSettings{Method: profile.IPMethodDisabled},
	}
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonDcbFcoeFailed {
		t.Fatalf("reason = %v, want dcb-fcoe-failed", f.dev.Reason())
	}
}

func TestWakeOnLANAppliedOnce(t *testing.T) {
	f := newFixture(t, Options{})

	p := &profile.Profile{
		Name:      "wol",
		Type:      profile.TypeWired,
		Interface: "eth0",
		WakeOnLAN: &profile.WakeOnLAN{Modes: []string{"magic"}},
		DCB:       &profile.DCB{FCoEEnabled: true},
		IP:        profile.IPSettings{Method: profile.IPMethodDisabled},
	}
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Stage2 re-enters on every carrier event while DCB cycles; wake-on-LAN
	// must not be re-applied.
	f.dev.OnCarrierChanged(false)
	f.dev.OnCarrierChanged(true)
	f.dev.OnCarrierChanged(false)
	f.dev.OnCarrierChanged(true)

	if f.platform.wolCalls != 1 {
		t.Errorf("wake-on-LAN applied %d times, want 1", f.platform.wolCalls)
	}
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
}

func TestManualAddressing(t *testing.T) {
	f := newFixture(t, Options{})

	p := &profile.Profile{
		Name:      "static",
		Type:      profile.TypeWired,
		Interface: "eth0",
		IP: profile.IPSettings{
			Method:    profile.IPMethodManual,
			Addresses: []string{"192.0.2.10/24"},
			Gateway:   "192.0.2.1",
		},
	}
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
	if len(f.platform.addrs) != 1 || f.platform.addrs[0].IP.String() != "192.0.2.10" {
		t.Errorf("addresses programmed: %v", f.platform.addrs)
	}
	if len(f.platform.routes) != 1 || f.platform.routes[0].String() != "192.0.2.1" {
		t.Errorf("routes programmed: %v", f.platform.routes)
	}
}

func TestDHCPAddressing(t *testing.T) {
	activated := make(chan struct{})
	f := newFixture(t, Options{})
	f.dev.opts.DHCP = func(ctx context.Context, ifname string) (*Lease, error) {
		_, network, _ := net.ParseCIDR("198.51.100.7/24")
		network.IP = net.ParseIP("198.51.100.7")
		return &Lease{Address: network, Gateway: net.ParseIP("198.51.100.1")}, nil
	}
	f.dev.OnEvent(func(e Event) {
		if e.State == StateActivated {
			close(activated)
		}
	})

	p := &profile.Profile{
		Name:      "dhcp",
		Type:      profile.TypeWired,
		Interface: "eth0",
		IP:        profile.IPSettings{Method: profile.IPMethodAuto},
	}
	if err := f.dev.Activate(p); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	select {
	case <-activated:
	case <-time.After(2 * time.Second):
		t.Fatal("device never activated from DHCP lease")
	}
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
}

func TestDeactivateIdempotentAndClean(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated) // auth wait armed

	f.dev.Deactivate()
	if f.dev.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", f.dev.State())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("timers still armed after deactivate: %d", f.clock.Pending())
	}
	if iface.disconnects == 0 || f.sup.removed == 0 {
		t.Error("supplicant interface not released")
	}
	if f.platform.flushes != 1 {
		t.Errorf("address flushes = %d, want 1", f.platform.flushes)
	}

	f.dev.Deactivate()
	if f.dev.State() != StateDisconnected {
		t.Fatalf("state = %v after second deactivate", f.dev.State())
	}
	if f.platform.flushes != 1 {
		t.Errorf("second deactivate flushed again: %d", f.platform.flushes)
	}
}

func TestNoCallbacksAfterDeactivate(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(securityProfile(false, "pw")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	iface := f.sup.grant(t)
	iface.push(supplicant.IfaceAssociated)

	f.dev.Deactivate()
	before := f.states()

	// Late supplicant events and long-expired timers must all be inert.
	iface.push(supplicant.IfaceCompleted)
	f.clock.Advance(time.Minute)

	if f.dev.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", f.dev.State())
	}
	if after := f.states(); !statesEqual(before, after) {
		t.Errorf("events delivered after deactivate: %v -> %v", before, after)
	}
}

func pppoeProfile() *profile.Profile {
	return &profile.Profile{
		Name:      "uplink",
		Type:      profile.TypePPPoE,
		Interface: "eth0",
		PPPoE:     &profile.PPPoE{Username: "user@isp", Password: "secret"},
		IP:        profile.IPSettings{Method: profile.IPMethodAuto},
	}
}

func TestPPPoEActivation(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.ppp.starts != 1 {
		t.Fatalf("ppp starts = %d, want 1", f.ppp.starts)
	}

	f.ppp.cb.Up("ppp0")
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated", f.dev.State())
	}
}

func TestPPPoEReconnectDelay(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.ppp.cb.Up("ppp0")
	f.dev.Deactivate()
	if f.ppp.sess.stops != 1 {
		t.Fatalf("ppp session stops = %d, want 1", f.ppp.sess.stops)
	}

	// Reconnect 3s after teardown: held in Prepare for the remaining 4s.
	f.clock.Advance(3 * time.Second)
	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("reactivate error = %v", err)
	}
	if f.dev.State() != StatePrepare {
		t.Fatalf("state = %v, want prepare while governed", f.dev.State())
	}
	if f.ppp.starts != 1 {
		t.Fatalf("ppp restarted during reconnect delay")
	}
	deadline, ok := f.clock.NextDeadline()
	if !ok {
		t.Fatal("no resume timer armed")
	}
	if remaining := deadline.Sub(f.clock.Now()); remaining != 4*time.Second {
		t.Fatalf("resume timer in %v, want 4s", remaining)
	}

	f.clock.Advance(4 * time.Second)
	if f.ppp.starts != 2 {
		t.Fatalf("ppp starts = %d after delay, want 2", f.ppp.starts)
	}
	f.ppp.cb.Up("ppp0")
	if f.dev.State() != StateActivated {
		t.Fatalf("state = %v, want activated after governed restart", f.dev.State())
	}
}

func TestDeactivateCancelsReconnectTimer(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.ppp.cb.Up("ppp0")
	f.dev.Deactivate()

	// Re-activate inside the reconnect window so the governor holds the
	// device in Prepare with its resume timer armed.
	f.clock.Advance(3 * time.Second)
	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("reactivate error = %v", err)
	}
	if f.dev.State() != StatePrepare {
		t.Fatalf("state = %v, want prepare while governed", f.dev.State())
	}

	f.dev.Deactivate()
	if f.dev.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", f.dev.State())
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("timers still armed after deactivate: %d", f.clock.Pending())
	}

	// Long after the abandoned window, nothing resumes on its own.
	before := f.ppp.starts
	f.clock.Advance(time.Minute)
	if f.ppp.starts != before {
		t.Errorf("ppp restarted after deactivate: %d -> %d", before, f.ppp.starts)
	}
	if f.dev.State() != StateDisconnected {
		t.Fatalf("state = %v after expired window, want disconnected", f.dev.State())
	}
}

func TestPPPoESessionDeathFails(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	f.ppp.cb.Up("ppp0")
	f.ppp.cb.Down(errors.New("lcp echo lost"))

	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonPppFailed {
		t.Fatalf("reason = %v, want ppp-failed", f.dev.Reason())
	}
}

func TestPPPStartErrorFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.ppp.startErr = errors.New("pppd missing")

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.Reason() != ReasonPppStartFailed {
		t.Fatalf("reason = %v, want ppp-start-failed", f.dev.Reason())
	}
}

func TestReasonClearedOnReactivation(t *testing.T) {
	f := newFixture(t, Options{})
	f.ppp.startErr = errors.New("pppd missing")

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}

	f.ppp.startErr = nil
	f.clock.Advance(pppoe.ReconnectDelay)
	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("reactivate error = %v", err)
	}
	if f.dev.Reason() != ReasonNone {
		t.Fatalf("reason = %v after leaving failed, want none", f.dev.Reason())
	}
}

func TestInvalidProfileWhileFailedUpdatesReason(t *testing.T) {
	f := newFixture(t, Options{})
	f.ppp.startErr = errors.New("pppd missing")

	if err := f.dev.Activate(pppoeProfile()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if f.dev.Reason() != ReasonPppStartFailed {
		t.Fatalf("reason = %v, want ppp-start-failed", f.dev.Reason())
	}

	// A rejected re-activation is a new attempt; its reason replaces the
	// previous one rather than leaving it stale.
	bad := pppoeProfile()
	bad.Type = "tokenring"
	if err := f.dev.Activate(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if f.dev.State() != StateFailed {
		t.Fatalf("state = %v, want failed", f.dev.State())
	}
	if f.dev.Reason() != ReasonConfigFailed {
		t.Fatalf("reason = %v, want config-failed", f.dev.Reason())
	}
}

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateDisconnected, StatePrepare, true},
		{StateFailed, StatePrepare, true},
		{StateConfig, StatePrepare, false},
		{StatePrepare, StateConfig, true},
		{StateConfig, StateNeedAuth, true},
		{StateNeedAuth, StateConfig, true},
		{StateConfig, StateIPConfig, true},
		{StateIPConfig, StateConfig, false},
		{StateActivated, StateFailed, true},
		{StateActivated, StateDeactivating, true},
		{StateFailed, StateDeactivating, true},
		{StateIPCheck, StateConfig, false},
	}
	for _, c := range cases {
		if got := legalTransition(c.from, c.to); got != c.ok {
			t.Errorf("legalTransition(%v, %v) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
