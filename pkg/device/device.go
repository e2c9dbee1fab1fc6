package device

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/dcb"
	"github.com/netplane-io/linkd/pkg/link"
	"github.com/netplane-io/linkd/pkg/metrics"
	"github.com/netplane-io/linkd/pkg/pppoe"
	"github.com/netplane-io/linkd/pkg/profile"
	"github.com/netplane-io/linkd/pkg/secrets"
	"github.com/netplane-io/linkd/pkg/supplicant"
	"github.com/netplane-io/linkd/pkg/timing"
)

// Deps are the collaborators a Device delegates to. The supplicant manager
// and secrets broker are shared across devices; everything else is
// per-process as well but stateless from the device's point of view.
type Deps struct {
	Platform    link.Platform
	Supplicants supplicant.Manager
	Secrets     *secrets.Broker
	DCBTool     dcb.Tool
	PPP         pppoe.Manager
	Clock       timing.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Device is the activation context for one network interface. All handlers
// for a device are serialized by its mutex; outbound calls into
// collaborators happen with the mutex released, and every asynchronous
// completion carries the generation it was armed under so deactivation can
// invalidate it.
type Device struct {
	name     string
	platform link.Platform
	supMgr   supplicant.Manager
	broker   *secrets.Broker
	dcbTool  dcb.Tool
	pppMgr   pppoe.Manager
	governor *pppoe.Governor
	clock    timing.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	mu        sync.Mutex
	observer  func(Event)
	gen       uint64
	state     State
	reason    FailureReason
	prof      *profile.Profile
	attemptID string
	ifindex   int
	carrier   bool
	events    []Event

	// Stage2 sub-state persists in the context, not in a single call, so
	// re-entering the stage after a gating event never repeats a completed
	// side effect.
	session      *supplicant.Session
	sessionReady bool
	authDeferred bool
	authRetries  int
	wolApplied   bool
	dcbSync      *dcb.Synchronizer
	dcbReady     bool
	pppSession   pppoe.Session
	pppStarting  bool
	pppUp        bool
	pppIfname    string

	dhcpCancel context.CancelFunc
	gateway    net.IP

	stageStart time.Time
}

// New creates a device in the Disconnected state.
func New(name string, deps Deps, opts Options) *Device {
	logger := deps.Logger.With(zap.String("device", name))
	return &Device{
		name:     name,
		platform: deps.Platform,
		supMgr:   deps.Supplicants,
		broker:   deps.Secrets,
		dcbTool:  deps.DCBTool,
		pppMgr:   deps.PPP,
		governor: pppoe.NewGovernor(deps.Clock, logger),
		clock:    deps.Clock,
		logger:   logger,
		metrics:  deps.Metrics,
		opts:     opts.withDefaults(),
		state:    StateDisconnected,
	}
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reason returns the failure reason of the current attempt, ReasonNone
// outside Failed.
func (d *Device) Reason() FailureReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Ifindex returns the resolved interface index, 0 if unresolved.
func (d *Device) Ifindex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ifindex
}

// OnEvent registers the state change observer. At most one is registered;
// it must not call back into the device synchronously.
func (d *Device) OnEvent(cb func(Event)) {
	d.mu.Lock()
	d.observer = cb
	d.mu.Unlock()
}

// Snapshot returns a point-in-time view for status reporting.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		Interface: d.name,
		Ifindex:   d.ifindex,
		State:     d.state.String(),
		AttemptID: d.attemptID,
		Carrier:   d.carrier,
	}
	if d.state == StateFailed {
		s.Reason = d.reason.String()
	}
	if d.prof != nil {
		s.Profile = d.prof.Name
	}
	return s
}

// Activate begins a new activation attempt with the given profile. Legal
// only while the device is Disconnected or Failed.
func (d *Device) Activate(p *profile.Profile) error {
	if p == nil {
		return ErrNoProfile
	}

	d.mu.Lock()
	if d.state != StateDisconnected && d.state != StateFailed {
		d.mu.Unlock()
		return ErrBadState
	}

	var calls []func()
	if err := p.Validate(); err != nil {
		d.logger.Warn("Rejecting invalid profile", zap.Error(err))
		d.failLocked(ReasonConfigFailed, &calls)
		notify := d.flushLocked()
		d.mu.Unlock()
		notify()
		runAll(calls)
		return err
	}

	d.resetAttemptLocked()
	d.prof = p.Clone()
	d.attemptID = uuid.NewString()
	d.logger.Info("Activating",
		zap.String("profile", p.Name),
		zap.String("attempt", d.attemptID),
	)
	d.setStateLocked(StatePrepare)
	d.stage1Locked(&calls)

	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
	return nil
}

// Deactivate tears down every sub-component owned by the device and
// returns it to Disconnected. Unconditional and idempotent; after it
// returns no callback armed by the attempt is delivered.
func (d *Device) Deactivate() {
	d.mu.Lock()
	switch d.state {
	case StateUnmanaged, StateUnavailable, StateDisconnected:
		d.mu.Unlock()
		return
	}

	d.gen++
	var calls []func()
	d.setStateLocked(StateDeactivating)
	d.teardownLocked(&calls)
	d.setStateLocked(StateDisconnected)
	notify := d.flushLocked()
	d.mu.Unlock()

	notify()
	runAll(calls)
}

// OnCarrierChanged delivers a carrier transition. It resumes a deferred
// authentication start and feeds the DCB synchronizer; otherwise it only
// records the new carrier state.
func (d *Device) OnCarrierChanged(up bool) {
	d.mu.Lock()
	if d.carrier != up {
		d.logger.Debug("Carrier changed", zap.Bool("carrier", up))
	}
	d.carrier = up
	sync := d.dcbSync

	var calls []func()
	if up && d.authDeferred && d.state == StateConfig {
		d.authDeferred = false
		d.advanceStage2Locked(&calls)
	}
	notify := d.flushLocked()
	d.mu.Unlock()

	if sync != nil {
		sync.HandleCarrier(up)
	}
	notify()
	runAll(calls)
}

// OnLinkChanged delivers updated link properties. A device postponed on a
// missing interface index resumes once the link appears.
func (d *Device) OnLinkChanged(props *link.Properties) {
	if props == nil {
		return
	}
	d.mu.Lock()
	var calls []func()
	if d.ifindex == 0 && props.Index != 0 {
		d.ifindex = props.Index
		if d.state == StateConfig {
			d.advanceStage2Locked(&calls)
		}
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)

	d.OnCarrierChanged(props.Carrier)
}

// --- stage 1: prepare ---

func (d *Device) stage1Locked(calls *[]func()) {
	p := d.prof

	if d.ifindex == 0 {
		idx, err := d.platform.IfIndex(d.name)
		if err != nil {
			if p.Type != profile.TypePPPoE {
				d.logger.Warn("Interface not found", zap.Error(err))
				d.failLocked(ReasonConfigFailed, calls)
				return
			}
			// PPPoE parents may appear later; stage2 postpones on it.
		} else {
			d.ifindex = idx
		}
	}

	if p.Type == profile.TypePPPoE {
		gen := d.gen
		if d.governor.CheckPrepare(func() { d.onGovernorResume(gen) }) == pppoe.Waiting {
			d.metrics.RecordPPPoEDelay()
			d.logger.Info("Holding activation for PPPoE reconnect delay")
			return
		}
	}

	if d.ifindex != 0 {
		if err := d.platform.SetUp(d.ifindex); err != nil {
			d.logger.Warn("Bringing link up failed", zap.Error(err))
		}
		if p.MTU > 0 {
			if err := d.platform.SetMTU(d.ifindex, p.MTU); err != nil {
				d.logger.Warn("Setting MTU failed", zap.Int("mtu", p.MTU), zap.Error(err))
			}
		}
		if p.AutoNegotiate || p.SpeedMbps > 0 || p.Duplex != "" {
			neg := link.Negotiation{
				AutoNegotiate: p.AutoNegotiate,
				SpeedMbps:     p.SpeedMbps,
				Duplex:        p.Duplex,
			}
			if err := d.platform.SetNegotiation(d.ifindex, neg); err != nil {
				d.logger.Warn("Link negotiation failed", zap.Error(err))
				d.failLocked(ReasonConfigFailed, calls)
				return
			}
		}
		if carrier, err := d.platform.Carrier(d.ifindex); err == nil {
			d.carrier = carrier
		}
	}

	d.setStateLocked(StateConfig)
	d.advanceStage2Locked(calls)
}

func (d *Device) onGovernorResume(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.state != StatePrepare {
		d.mu.Unlock()
		return
	}
	d.logger.Info("PPPoE reconnect delay elapsed, resuming")
	var calls []func()
	d.stage1Locked(&calls)
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// --- stage 2: link-layer configuration ---

// advanceStage2Locked runs the stage2 goal list and, on success, enters
// stage3. Safe to re-enter any number of times.
func (d *Device) advanceStage2Locked(calls *[]func()) {
	if d.stage2GoalsLocked(calls) == StageSuccess {
		d.enterStage3Locked(calls)
	}
}

// stage2GoalsLocked works through the link-layer goals in fixed priority
// order: PPPoE establishment, then 802.1X authentication, then wake-on-LAN
// and DCB. Completed goals are recorded in the context so re-entry resumes
// where the last call postponed.
func (d *Device) stage2GoalsLocked(calls *[]func()) StageResult {
	p := d.prof

	if p.Type == profile.TypePPPoE {
		if d.pppSession == nil && !d.pppStarting {
			if d.ifindex == 0 {
				d.logger.Debug("PPPoE parent has no interface index yet")
				return StagePostpone
			}
			d.pppStarting = true
			gen := d.gen
			cfg := pppoe.SessionConfig{
				Parent:   d.name,
				Username: p.PPPoE.Username,
				Password: p.PPPoE.Password,
				Service:  p.PPPoE.Service,
				MTU:      p.MTU,
			}
			if p.PPPoE.Parent != "" {
				cfg.Parent = p.PPPoE.Parent
			}
			*calls = append(*calls, func() { d.startPPP(gen, cfg) })
			return StagePostpone
		}
		if !d.pppUp {
			return StagePostpone
		}
		return StageSuccess
	}

	if p.Security != nil {
		switch {
		case d.session != nil && d.session.Ready():
			// Authenticated; continue with the remaining goals.
		case d.session != nil:
			return StagePostpone
		case !d.carrier:
			d.logger.Info("Carrier down, deferring authentication")
			d.authDeferred = true
			return StagePostpone
		case !p.Security.HasSecrets() && !p.Security.Optional:
			d.requestSecretsLocked(calls, false)
			return StagePostpone
		default:
			d.startSessionLocked(calls)
			return StagePostpone
		}
	}

	if p.WakeOnLAN != nil && !d.wolApplied {
		d.wolApplied = true
		d.applyWakeOnLANLocked()
	}

	if p.DCB != nil && !d.dcbReady {
		if d.dcbSync == nil {
			gen := d.gen
			sync := dcb.NewSynchronizer(d.name, p.DCB, d.dcbTool, d.clock, d.logger,
				func(err error) { d.onDCBDone(gen, err) })
			sync.OnTransition(d.metrics.RecordDCBTransition)
			d.dcbSync = sync
			carrier := d.carrier
			*calls = append(*calls, func() { sync.Start(carrier) })
		}
		return StagePostpone
	}

	return StageSuccess
}

// applyWakeOnLANLocked is best effort; failure is logged, never fatal.
func (d *Device) applyWakeOnLANLocked() {
	if d.ifindex == 0 {
		return
	}
	w := d.prof.WakeOnLAN
	modes := make([]link.WakeOnLANMode, 0, len(w.Modes))
	for _, m := range w.Modes {
		switch m {
		case "phy":
			modes = append(modes, link.WakeOnPhy)
		case "unicast":
			modes = append(modes, link.WakeOnUnicast)
		case "multicast":
			modes = append(modes, link.WakeOnMulticast)
		case "broadcast":
			modes = append(modes, link.WakeOnBroadcast)
		case "arp":
			modes = append(modes, link.WakeOnARP)
		case "magic":
			modes = append(modes, link.WakeOnMagic)
		default:
			d.logger.Warn("Unknown wake-on-LAN mode", zap.String("mode", m))
		}
	}
	var password net.HardwareAddr
	if w.Password != "" {
		mac, err := net.ParseMAC(w.Password)
		if err != nil {
			d.logger.Warn("Bad wake-on-LAN password", zap.Error(err))
		} else {
			password = mac
		}
	}
	if err := d.platform.SetWakeOnLAN(d.ifindex, modes, password); err != nil {
		d.logger.Warn("Applying wake-on-LAN failed", zap.Error(err))
	}
}

// --- 802.1X session handling ---

func (d *Device) startSessionLocked(calls *[]func()) {
	sec := d.prof.Security
	driver := "wired"
	if d.prof.Type == profile.TypeMACsec {
		driver = "macsec_linux"
	}
	cfg := supplicant.Config{
		Ifindex:      d.ifindex,
		Ifname:       d.name,
		Driver:       driver,
		AssocTimeout: d.opts.AssocTimeout,
		Assoc: supplicant.AssocConfig{
			EAP:               sec.EAP,
			Identity:          sec.Identity,
			AnonymousIdentity: sec.AnonymousIdentity,
			Password:          sec.Password,
			CACert:            sec.CACert,
			ClientCert:        sec.ClientCert,
			PrivateKey:        sec.PrivateKey,
			PrivateKeyPass:    sec.PrivateKeyPass,
		},
	}

	gen := d.gen
	s := supplicant.NewSession(d.supMgr, cfg, d.clock, d.logger, supplicant.Callbacks{
		Ready:   func() { d.onSessionReady(gen) },
		Timeout: func(k supplicant.TimeoutKind) { d.onSessionTimeout(gen, k) },
		Failed:  func(k supplicant.FailKind, err error) { d.onSessionFailed(gen, k, err) },
	})
	d.session = s
	d.sessionReady = false
	*calls = append(*calls, s.Start)
}

func (d *Device) onSessionReady(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.sessionReady = true
	d.metrics.RecordSupplicantSession("ready")

	var calls []func()
	if d.state == StateConfig {
		d.advanceStage2Locked(&calls)
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

func (d *Device) onSessionTimeout(gen uint64, kind supplicant.TimeoutKind) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.metrics.RecordSupplicantTimeout(kind.String())

	var calls []func()
	switch {
	case d.state == StateActivated:
		// Post-activation authentication loss.
		d.logger.Warn("Authentication lost after activation")
		d.failLocked(ReasonSupplicantTimeout, &calls)

	case d.state == StateConfig:
		sec := d.prof.Security
		if kind == supplicant.TimeoutAuth {
			if sec != nil && sec.Optional {
				// Best-effort authentication: use the link without it. A
				// late auth success is still observed by the session.
				if s := d.session; s != nil {
					s.MarkReady()
					d.sessionReady = true
					d.advanceStage2Locked(&calls)
				}
			} else {
				d.retryAuthLocked(ReasonNoSecrets, &calls)
			}
		} else {
			// Association never completed. A profile that worked before
			// most likely faces a transient link problem, so retry without
			// prompting; one that never worked probably has bad secrets.
			if !d.prof.LastSuccessfulAt.IsZero() {
				d.retryAssociationLocked(&calls)
			} else {
				d.retryAuthLocked(ReasonSupplicantDisconnect, &calls)
			}
		}
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

func (d *Device) onSessionFailed(gen uint64, kind supplicant.FailKind, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.metrics.RecordSupplicantSession("failed")
	d.logger.Warn("Supplicant session failed", zap.Error(err))

	reason := ReasonSupplicantFailed
	if kind == supplicant.FailConfig {
		reason = ReasonSupplicantConfigFailed
	}
	var calls []func()
	d.failLocked(reason, &calls)
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// retryAssociationLocked silently restarts association for a profile that
// has worked before, within the same retry budget as authentication.
func (d *Device) retryAssociationLocked(calls *[]func()) {
	if d.authRetries >= d.opts.AuthRetries {
		d.failLocked(ReasonSupplicantDisconnect, calls)
		return
	}
	d.authRetries++
	d.logger.Info("Retrying association",
		zap.Int("attempt", d.authRetries),
		zap.Int("budget", d.opts.AuthRetries),
	)
	if s := d.session; s != nil {
		d.session = nil
		d.sessionReady = false
		*calls = append(*calls, s.Teardown)
	}
	d.startSessionLocked(calls)
}

// --- secrets handling ---

// retryAuthLocked implements the shared ask-new-secrets-or-fail policy:
// while retries remain, cached secrets are dropped and a fresh interactive
// request is issued; once exhausted the attempt fails with the given
// reason.
func (d *Device) retryAuthLocked(reason FailureReason, calls *[]func()) {
	if d.authRetries >= d.opts.AuthRetries {
		d.failLocked(reason, calls)
		return
	}
	d.authRetries++
	if d.prof.Security != nil {
		d.prof.Security.ClearSecrets()
	}
	if s := d.session; s != nil {
		d.session = nil
		d.sessionReady = false
		*calls = append(*calls, s.Teardown)
	}
	d.requestSecretsLocked(calls, true)
}

func (d *Device) requestSecretsLocked(calls *[]func(), requestNew bool) {
	d.setStateLocked(StateNeedAuth)

	flags := secrets.FlagAllowInteraction
	if requestNew {
		flags |= secrets.FlagRequestNew
	}
	req := &secrets.Request{
		ProfileName: d.prof.Name,
		SettingName: "802-1x",
		Flags:       flags,
	}
	gen := d.gen
	broker := d.broker
	name := d.name
	*calls = append(*calls, func() {
		broker.Request(name, req, func(o secrets.Outcome, s secrets.Secrets, err error) {
			d.onSecrets(gen, o, s, err)
		})
	})
}

func (d *Device) onSecrets(gen uint64, outcome secrets.Outcome, sec secrets.Secrets, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}

	var calls []func()
	switch outcome {
	case secrets.OutcomeSuccess:
		d.metrics.RecordSecretsRequest("success")
		if d.prof.Security != nil {
			if pw, ok := sec["password"]; ok {
				d.prof.Security.Password = pw
			}
			if pk, ok := sec["private-key-password"]; ok {
				d.prof.Security.PrivateKeyPass = pk
			}
		}
		if d.state == StateNeedAuth {
			d.setStateLocked(StateConfig)
			d.advanceStage2Locked(&calls)
		}

	case secrets.OutcomeError:
		d.metrics.RecordSecretsRequest("error")
		d.logger.Warn("Secret agent could not provide credentials", zap.Error(err))
		d.retryAuthLocked(ReasonNoSecrets, &calls)
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// --- DCB handling ---

func (d *Device) onDCBDone(gen uint64, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.dcbSync = nil

	var calls []func()
	if err != nil {
		d.metrics.RecordDCBFailure()
		d.logger.Warn("DCB configuration failed", zap.Error(err))
		d.failLocked(ReasonDcbFcoeFailed, &calls)
	} else {
		d.dcbReady = true
		if d.state == StateConfig {
			d.advanceStage2Locked(&calls)
		}
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// --- PPPoE handling ---

func (d *Device) startPPP(gen uint64, cfg pppoe.SessionConfig) {
	sess, err := d.pppMgr.Start(cfg, pppoe.Callbacks{
		Up:   func(ifname string) { d.onPPPUp(gen, ifname) },
		Down: func(err error) { d.onPPPDown(gen, err) },
	})

	d.mu.Lock()
	d.pppStarting = false
	if err != nil {
		var calls []func()
		if gen == d.gen {
			d.logger.Warn("Starting PPP session failed", zap.Error(err))
			d.failLocked(ReasonPppStartFailed, &calls)
		}
		notify := d.flushLocked()
		d.mu.Unlock()
		notify()
		runAll(calls)
		return
	}
	if gen != d.gen {
		d.mu.Unlock()
		sess.Stop()
		return
	}
	d.pppSession = sess
	d.metrics.SetPPPoESessions(1)
	d.mu.Unlock()
}

func (d *Device) onPPPUp(gen uint64, ifname string) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pppUp = true
	d.pppIfname = ifname
	d.logger.Info("PPP session up", zap.String("ppp_interface", ifname))

	var calls []func()
	if d.state == StateConfig {
		d.advanceStage2Locked(&calls)
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

func (d *Device) onPPPDown(gen uint64, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pppSession = nil
	d.pppUp = false
	d.metrics.SetPPPoESessions(0)
	d.logger.Warn("PPP session down", zap.Error(err))

	calls := []func(){d.governor.NoteTeardown}
	d.failLocked(ReasonPppFailed, &calls)
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// --- failure and teardown ---

// failLocked is the only place an attempt enters Failed, which guarantees
// exactly one reason per attempt: bumping the generation first silences
// every other outstanding completion. Re-entry with the device already
// Failed only happens when a fresh Activate is rejected up front, and the
// new attempt's reason replaces the old one.
func (d *Device) failLocked(reason FailureReason, calls *[]func()) {
	d.gen++
	d.teardownLocked(calls)
	d.reason = reason
	d.setStateLocked(StateFailed)
	d.metrics.RecordActivation("failure")
	d.metrics.RecordFailure(reason.String())
	d.logger.Warn("Activation failed", zap.Stringer("reason", reason))
}

// teardownLocked releases every sub-component. Component calls with their
// own locking are appended to calls and run after the device mutex is
// released.
func (d *Device) teardownLocked(calls *[]func()) {
	if s := d.session; s != nil {
		d.session = nil
		*calls = append(*calls, s.Teardown)
	}
	d.sessionReady = false
	d.authDeferred = false

	if sync := d.dcbSync; sync != nil {
		d.dcbSync = nil
		*calls = append(*calls, sync.Stop)
	}

	if d.broker != nil {
		broker := d.broker
		name := d.name
		*calls = append(*calls, func() { broker.Cancel(name) })
	}

	if cancel := d.dhcpCancel; cancel != nil {
		d.dhcpCancel = nil
		*calls = append(*calls, func() { cancel() })
	}

	if ps := d.pppSession; ps != nil {
		d.pppSession = nil
		d.pppUp = false
		d.metrics.SetPPPoESessions(0)
		governor := d.governor
		*calls = append(*calls, ps.Stop, governor.NoteTeardown)
	}
	d.pppStarting = false

	// An activation held in Prepare by the reconnect governor owns no
	// session, only the armed resume timer.
	governor := d.governor
	*calls = append(*calls, governor.CancelResume)

	if d.ifindex != 0 {
		platform := d.platform
		idx := d.ifindex
		logger := d.logger
		*calls = append(*calls, func() {
			if err := platform.FlushAddresses(idx); err != nil {
				logger.Warn("Flushing addresses failed", zap.Error(err))
			}
		})
	}
}

func (d *Device) resetAttemptLocked() {
	d.reason = ReasonNone
	d.sessionReady = false
	d.authDeferred = false
	d.authRetries = 0
	d.wolApplied = false
	d.dcbReady = false
	d.pppUp = false
	d.pppStarting = false
	d.pppIfname = ""
	d.gateway = nil
}

// --- state bookkeeping ---

func (d *Device) setStateLocked(to State) {
	if d.state == to {
		return
	}
	if !legalTransition(d.state, to) {
		d.logger.DPanic("Illegal device state transition",
			zap.Stringer("from", d.state),
			zap.Stringer("to", to),
		)
		return
	}

	now := d.clock.Now()
	switch {
	case d.state == StatePrepare && to == StateConfig:
		d.metrics.RecordStageDuration("prepare", now.Sub(d.stageStart).Seconds())
	case d.state == StateConfig && to == StateIPConfig:
		d.metrics.RecordStageDuration("config", now.Sub(d.stageStart).Seconds())
	case to == StateActivated:
		d.metrics.RecordStageDuration("ip", now.Sub(d.stageStart).Seconds())
	}
	d.stageStart = now

	d.logger.Info("Device state changed",
		zap.Stringer("from", d.state),
		zap.Stringer("to", to),
	)
	d.state = to
	if to != StateFailed {
		// Failure reason lives only while the device sits in Failed.
		d.reason = ReasonNone
	}
	d.metrics.SetDeviceState(d.name, int(to))
	d.events = append(d.events, Event{
		Interface: d.name,
		AttemptID: d.attemptID,
		State:     to,
		Reason:    d.reason,
	})
}

// legalTransition encodes the forward-only rule: explicit resets to
// Disconnected/Failed and deactivation are always allowed, a fresh attempt
// restarts at Prepare, and the Config/NeedAuth authentication loop is the
// single sanctioned back edge.
func legalTransition(from, to State) bool {
	switch {
	case to == StateDisconnected, to == StateFailed, to == StateDeactivating:
		return true
	case to == StatePrepare:
		return from == StateDisconnected || from == StateFailed
	case from == StateConfig && to == StateNeedAuth:
		return true
	default:
		return to > from
	}
}

// flushLocked collects queued state-change events; the returned closure
// delivers them to the observer and must run with the mutex released.
func (d *Device) flushLocked() func() {
	if len(d.events) == 0 || d.observer == nil {
		d.events = nil
		return func() {}
	}
	evs := d.events
	d.events = nil
	ob := d.observer
	return func() {
		for _, e := range evs {
			ob(e)
		}
	}
}

func runAll(calls []func()) {
	for _, c := range calls {
		c()
	}
}
