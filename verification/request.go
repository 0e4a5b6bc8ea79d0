// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

const (
	// requestTimeout is how long a verification request stays valid,
	// counted from the origin timestamp of the request message.
	requestTimeout = 10 * time.Minute
	// receiptTimeout caps the deadline at receipt-time + 2 minutes when
	// this device did not initiate and the request has not progressed past
	// the requested phase. Protects against stale requests surfaced late
	// by sync backlog.
	receiptTimeout = 2 * time.Minute
	// timeoutSafetyMargin is the near-expiry window: a request triggered
	// within this margin of its deadline is only observed, never acted on.
	// Protocol-compatibility constant, do not tune.
	timeoutSafetyMargin = 3 * time.Second
)

var (
	ErrUnknownVerificationMethod = errors.New("unknown verification method")
	ErrObserveOnly               = errors.New("this device is only observing the verification")
	ErrVerifierAlreadyExists     = errors.New("a verifier already exists for this request")
	ErrInvalidPhase              = errors.New("operation not permitted in the current phase")
	ErrNoTargetDevice            = errors.New("no target device has been resolved yet")
)

// RequestParams collects the collaborators and identity of a new
// verification request.
type RequestParams struct {
	Channel Channel
	Crypto  CryptoBackend
	// Clock defaults to SystemClock.
	Clock Clock
	Log   *zerolog.Logger

	UserID   id.UserID
	DeviceID id.DeviceID
	// SupportedMethods are the methods this device offers.
	SupportedMethods []event.VerificationMethod

	// ShowSAS is called when a SAS verifier has derived the short
	// authentication string to present to the user.
	ShowSAS func(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, decimals []int)
	// QRCodeScanned is called when the other party has scanned our QR code
	// and reciprocated the shared secret.
	QRCodeScanned func(ctx context.Context, txnID id.VerificationTransactionID)
}

// VerificationRequest is the top-level phase state machine for one
// verification attempt. All mutation happens synchronously within the
// handling of one inbound message or one local API call; the transport is
// expected to deliver events one at a time in arrival order.
type VerificationRequest struct {
	channel Channel
	crypto  CryptoBackend
	clock   Clock
	log     zerolog.Logger

	ourUser        id.UserID
	ourDevice      id.DeviceID
	offeredMethods []event.VerificationMethod

	showSAS       func(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, decimals []int)
	qrCodeScanned func(ctx context.Context, txnID id.VerificationTransactionID)

	lock         sync.Mutex
	phase        Phase
	eventsByUs   originEvents
	eventsByThem originEvents

	// startEvent is the canonical start message after race resolution.
	startEvent    *event.Event
	startSentByUs bool
	// pendingLocalStart is set while a locally created verifier has sent
	// (or is about to send) a start message that has not been echoed yet.
	pendingLocalStart bool

	commonMethods    []event.VerificationMethod
	commonMethodsSet bool
	theirMethods     []event.VerificationMethod
	chosenMethod     event.VerificationMethod

	observeOnly       bool
	initiatedByUs     bool
	requestReceivedAt time.Time

	cancellation     *event.CancelledError
	cancellingUserID id.UserID

	qrCodeData *QRCodeData
	verifier   Verifier

	timer     Timer
	listeners []func(Phase)
	waiters   []*waiter
}

type waiter struct {
	pred func(*VerificationRequest) bool
	ch   chan error
}

// NewVerificationRequest creates a request in the unsent phase. The caller
// either calls SendRequest/BeginVerification to drive it, or feeds inbound
// transport messages to HandleEvent.
func NewVerificationRequest(params RequestParams) *VerificationRequest {
	clock := params.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := zerolog.Nop()
	if params.Log != nil {
		log = params.Log.With().
			Str("component", "verification").
			Stringer("transaction_id", params.Channel.TransactionID()).
			Logger()
	}
	return &VerificationRequest{
		channel:        params.Channel,
		crypto:         params.Crypto,
		clock:          clock,
		log:            log,
		ourUser:        params.UserID,
		ourDevice:      params.DeviceID,
		offeredMethods: params.SupportedMethods,
		showSAS:        params.ShowSAS,
		qrCodeScanned:  params.QRCodeScanned,
		phase:          PhaseUnsent,
	}
}

func (vr *VerificationRequest) TransactionID() id.VerificationTransactionID {
	return vr.channel.TransactionID()
}

func (vr *VerificationRequest) Phase() Phase {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.phase
}

func (vr *VerificationRequest) ObserveOnly() bool {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.observeOnly
}

func (vr *VerificationRequest) InitiatedByUs() bool {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.initiatedByUs
}

// CommonMethods is the set of methods supported by both sides. Empty until
// the first request/ready message from the other party has been seen.
func (vr *VerificationRequest) CommonMethods() []event.VerificationMethod {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return slices.Clone(vr.commonMethods)
}

func (vr *VerificationRequest) ChosenMethod() event.VerificationMethod {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.chosenMethod
}

func (vr *VerificationRequest) Verifier() Verifier {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.verifier
}

// QRCodeData returns the frozen QR payload for this request, or nil if the
// other party cannot scan or the request has not reached the ready phase.
func (vr *VerificationRequest) QRCodeData() *QRCodeData {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.qrCodeData
}

// Cancellation returns the typed cancellation and the user who cancelled,
// or nil if the request is not cancelled.
func (vr *VerificationRequest) Cancellation() (*event.CancelledError, id.UserID) {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.cancellation, vr.cancellingUserID
}

// TimeRemaining is the time left until the request times out, or zero if
// no request message exists yet or the deadline has passed.
func (vr *VerificationRequest) TimeRemaining() time.Duration {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return vr.timeRemainingLocked()
}

func (vr *VerificationRequest) timeoutDeadlineLocked() (time.Time, bool) {
	origin := vr.eventsByThem.request
	if origin == nil {
		origin = vr.eventsByUs.request
	}
	if origin == nil {
		return time.Time{}, false
	}
	deadline := vr.channel.Timestamp(origin).Add(requestTimeout)
	if !vr.initiatedByUs && vr.phase <= PhaseRequested && !vr.requestReceivedAt.IsZero() {
		if capped := vr.requestReceivedAt.Add(receiptTimeout); capped.Before(deadline) {
			deadline = capped
		}
	}
	return deadline, true
}

func (vr *VerificationRequest) timeRemainingLocked() time.Duration {
	deadline, ok := vr.timeoutDeadlineLocked()
	if !ok {
		return 0
	}
	remaining := deadline.Sub(vr.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Observe registers a listener that is called after every phase change,
// once all side effects of the transition have completed.
func (vr *VerificationRequest) Observe(listener func(Phase)) {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	vr.listeners = append(vr.listeners, listener)
}

// WaitFor blocks until the predicate holds on this request, the request is
// cancelled (returning the typed cancellation), or the context is done.
func (vr *VerificationRequest) WaitFor(ctx context.Context, pred func(*VerificationRequest) bool) error {
	vr.lock.Lock()
	if vr.phase == PhaseCancelled {
		cancellation := vr.cancellation
		vr.lock.Unlock()
		return cancellation
	}
	w := &waiter{pred: pred, ch: make(chan error, 1)}
	vr.waiters = append(vr.waiters, w)
	vr.lock.Unlock()

	if pred(vr) {
		return nil
	}
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest emits a verification request listing all locally supported
// methods. It is a no-op outside of the unsent phase.
func (vr *VerificationRequest) SendRequest(ctx context.Context) error {
	vr.lock.Lock()
	if vr.phase != PhaseUnsent || vr.eventsByUs.request != nil {
		vr.lock.Unlock()
		return nil
	}
	vr.initiatedByUs = true
	vr.lock.Unlock()

	content := &event.VerificationRequestEventContent{
		FromDevice: vr.ourDevice,
		Methods:    vr.offeredMethods,
		Timestamp:  jsontime.UM(vr.clock.Now()),
	}
	return vr.sendAndEcho(ctx, event.KindRequest, content)
}

// Accept sends a ready message answering the other party's request. Only
// valid in the requested phase on the side that did not initiate.
func (vr *VerificationRequest) Accept(ctx context.Context) error {
	vr.lock.Lock()
	if vr.observeOnly {
		vr.lock.Unlock()
		return ErrObserveOnly
	}
	if vr.phase != PhaseRequested || vr.initiatedByUs {
		vr.lock.Unlock()
		return fmt.Errorf("%w: cannot accept in phase %s", ErrInvalidPhase, vr.phase)
	}
	if vr.eventsByUs.ready != nil {
		vr.lock.Unlock()
		return nil
	}
	vr.lock.Unlock()

	content := &event.VerificationReadyEventContent{
		FromDevice: vr.ourDevice,
		Methods:    vr.offeredMethods,
	}
	return vr.sendAndEcho(ctx, event.KindReady, content)
}

// BeginVerification creates a verifier for the chosen method. The start
// message is emitted when the verifier's Verify is called.
func (vr *VerificationRequest) BeginVerification(ctx context.Context, method event.VerificationMethod, targetDevice id.DeviceID) (Verifier, error) {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	if vr.observeOnly {
		return nil, ErrObserveOnly
	}
	if vr.verifier != nil {
		return nil, ErrVerifierAlreadyExists
	}
	switch vr.phase {
	case PhaseRequested, PhaseReady:
	case PhaseUnsent:
		if !vr.channel.CanCreateRequestWith(event.KindStart) {
			return nil, fmt.Errorf("%w: transport does not permit an immediate start", ErrInvalidPhase)
		}
	default:
		return nil, fmt.Errorf("%w: cannot begin verification in phase %s", ErrInvalidPhase, vr.phase)
	}
	if !slices.Contains(vr.offeredMethods, method) {
		return nil, fmt.Errorf("%w: %s is not offered by this device", ErrUnknownVerificationMethod, method)
	}
	if vr.commonMethodsSet && !slices.Contains(vr.commonMethods, method) {
		return nil, fmt.Errorf("%w: %s is not supported by both parties", ErrUnknownVerificationMethod, method)
	}
	if targetDevice != "" {
		vr.channel.SetDeviceID(targetDevice)
	} else if vr.channel.DeviceID() == "" && vr.channel.RoomID() == "" {
		return nil, ErrNoTargetDevice
	}

	verifier := newVerifier(vr, method, nil, true)
	if _, ok := verifier.(*illegalVerifier); ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerificationMethod, method)
	}
	vr.verifier = verifier
	vr.chosenMethod = method
	vr.pendingLocalStart = true
	return verifier, nil
}

// Cancel cancels the request. If a verifier is active, cancellation is
// delegated to it so that it can emit the message and settle its waiters;
// otherwise the cancellation message is sent directly. Idempotent.
func (vr *VerificationRequest) Cancel(ctx context.Context, code event.CancelCode, reason string) error {
	vr.lock.Lock()
	if vr.phase.Terminal() {
		vr.lock.Unlock()
		return nil
	}
	verifier := vr.verifier
	observeOnly := vr.observeOnly
	vr.lock.Unlock()

	if verifier != nil {
		verifier.Cancel(ctx, code, reason)
		return nil
	}
	content := event.NewCancelEventContent(code, reason)
	if !observeOnly {
		if err := vr.channel.Send(ctx, event.KindCancel, content); err != nil {
			vr.log.Err(err).Msg("Failed to send cancellation message")
		}
	}
	vr.finalizeCancel(ctx, vr.ourUser, content)
	return nil
}

// finalizeCancel records a locally generated cancellation and runs the
// resulting phase transition. Used both for direct cancellations and for
// verifier-delegated ones, which have already sent the wire message.
func (vr *VerificationRequest) finalizeCancel(ctx context.Context, cancelledBy id.UserID, content *event.VerificationCancelEventContent) {
	evt := &event.Event{
		Kind:      event.KindCancel,
		Sender:    cancelledBy,
		Timestamp: vr.clock.Now(),
		Content:   content,
	}
	vr.HandleEvent(ctx, evt, true, true, cancelledBy == vr.ourUser)
}

// sendAndEcho delivers a message and, on transports without remote echo,
// synthesizes the local echo so that the sent message is recorded.
func (vr *VerificationRequest) sendAndEcho(ctx context.Context, kind event.Kind, content any) error {
	if err := vr.channel.Send(ctx, kind, content); err != nil {
		return err
	}
	if !vr.channel.EchoesSentMessages() {
		evt := &event.Event{
			Kind:      kind,
			Sender:    vr.ourUser,
			Timestamp: vr.clock.Now(),
			Content:   content,
		}
		vr.HandleEvent(ctx, evt, true, true, true)
	}
	return nil
}

// noteStartSent is called by a locally created verifier right after it has
// sent its start message.
func (vr *VerificationRequest) noteStartSent(ctx context.Context, content *event.VerificationStartEventContent) {
	if vr.channel.EchoesSentMessages() {
		// The echo will arrive through the transport and be recorded then.
		return
	}
	evt := &event.Event{
		Kind:      event.KindStart,
		Sender:    vr.ourUser,
		Timestamp: vr.clock.Now(),
		Content:   content,
	}
	vr.HandleEvent(ctx, evt, true, true, true)
}

// HandleEvent is the single entry point transport adapters call for every
// observed verification message belonging to this transaction.
//
//   - isLive is false for messages replayed from backlog/history.
//   - isRemoteEcho marks a delivery of a message this device itself sent.
//   - isSentByUs marks messages originating from this device (echoes
//     included). Messages from the user's sibling devices have the same
//     sender but isSentByUs false.
func (vr *VerificationRequest) HandleEvent(ctx context.Context, evt *event.Event, isLive, isRemoteEcho, isSentByUs bool) {
	log := vr.log.With().
		Str("message_kind", evt.Kind.String()).
		Stringer("sender", evt.Sender).
		Bool("live", isLive).
		Bool("sent_by_us", isSentByUs).
		Logger()

	vr.lock.Lock()
	if vr.phase.Terminal() {
		vr.lock.Unlock()
		log.Debug().Msg("Ignoring message for finished verification")
		return
	}

	if !validateEvent(evt) {
		// On shared-conversation transports many valid non-verification
		// messages may be observed, so this is not a protocol error.
		vr.lock.Unlock()
		log.Debug().Msg("Dropping invalid verification message")
		return
	}

	// Unexpected-message rule: once the request has left the unsent phase,
	// a second request (or a ready outside of the requested phase) is a
	// protocol violation. Skipped for echoes of our own sends and while
	// observing, and never applied before leaving unsent, since competing
	// requests may belong to an unrelated verification.
	if !isRemoteEcho && !vr.observeOnly && vr.phase != PhaseUnsent {
		unexpected := evt.Kind == event.KindRequest ||
			(evt.Kind == event.KindReady && vr.phase != PhaseRequested)
		if unexpected {
			// A retransmission of the already recorded message is not a
			// violation, the dedup below drops it silently.
			origin := &vr.eventsByThem
			if isSentByUs {
				origin = &vr.eventsByUs
			}
			if existing := origin.get(evt.Kind); existing != nil && existing.FromDevice() == evt.FromDevice() {
				unexpected = false
			}
		}
		if unexpected {
			vr.lock.Unlock()
			log.Warn().Stringer("phase", vr.phase).Msg("Unexpected message, cancelling verification")
			_ = vr.Cancel(ctx, event.CancelCodeUnexpectedMessage,
				fmt.Sprintf("Unexpected %s message in phase %s", evt.Kind, vr.Phase()))
			return
		}
	}

	vr.resolveTargetDeviceLocked(evt, isSentByUs)
	vr.determineObserveOnlyLocked(evt, isLive, isSentByUs)

	recorded := vr.recordLocked(ctx, evt, isSentByUs)
	notify := false
	if recorded {
		notify = vr.applyTransitionsLocked(ctx, isLive)
	}
	verifier := vr.verifier
	vr.lock.Unlock()

	// Only genuinely new messages from the other party drive verifier
	// behavior; echoes of our own sends must never loop back into it.
	if recorded && verifier != nil && !isSentByUs && verifierKind(evt.Kind) {
		verifier.HandleEvent(ctx, evt)
	}

	// A remote start with a method this device cannot handle is rejected
	// with an unknown-method cancellation.
	if iv, ok := verifier.(*illegalVerifier); ok {
		iv.rejectMethod(ctx)
	}

	if notify {
		vr.notifyChange()
	}
}

// verifierKind reports whether the kind is part of a method sub-protocol
// exchange and should be forwarded to the active verifier.
func verifierKind(kind event.Kind) bool {
	switch kind {
	case event.KindAccept, event.KindKey, event.KindMAC, event.KindDone, event.KindCancel:
		return true
	default:
		return false
	}
}

func validateEvent(evt *event.Event) bool {
	if !event.IsVerificationKind(evt.Kind) || evt.Content == nil {
		return false
	}
	// Transport adapters construct events, so the content type is checked
	// against the kind before anything dereferences it.
	switch evt.Kind {
	case event.KindRequest:
		if evt.Request() == nil {
			return false
		}
	case event.KindReady:
		if evt.Ready() == nil {
			return false
		}
	case event.KindStart:
		if evt.Start() == nil {
			return false
		}
	case event.KindAccept:
		if evt.Accept() == nil {
			return false
		}
	case event.KindKey:
		if evt.Key() == nil {
			return false
		}
	case event.KindMAC:
		if evt.MAC() == nil {
			return false
		}
	case event.KindCancel:
		if evt.Cancel() == nil {
			return false
		}
	case event.KindDone:
		if evt.Done() == nil {
			return false
		}
	}
	switch evt.Kind {
	case event.KindRequest, event.KindReady:
		if len(evt.Methods()) == 0 {
			return false
		}
	}
	switch evt.Kind {
	case event.KindRequest, event.KindReady, event.KindStart:
		if evt.FromDevice() == "" {
			return false
		}
	}
	return true
}

// resolveTargetDeviceLocked takes the target device from the from_device
// field of the first inbound request/ready/start message when no explicit
// target was supplied, guaranteeing symmetric addressing.
func (vr *VerificationRequest) resolveTargetDeviceLocked(evt *event.Event, isSentByUs bool) {
	if isSentByUs || vr.channel.DeviceID() != "" {
		return
	}
	if fromDevice := evt.FromDevice(); fromDevice != "" {
		vr.channel.SetDeviceID(fromDevice)
	}
}

// determineObserveOnlyLocked marks the request observe-only when this
// device must not participate: historical triggers, near-expiry triggers,
// or a sibling device already owning the exchange.
func (vr *VerificationRequest) determineObserveOnlyLocked(evt *event.Event, isLive, isSentByUs bool) {
	if vr.observeOnly || isSentByUs {
		return
	}
	if !isLive {
		vr.observeOnly = true
		vr.log.Debug().Msg("Historical message, observing only")
		return
	}
	if evt.Kind == event.KindRequest {
		deadline := vr.channel.Timestamp(evt).Add(requestTimeout)
		if remaining := deadline.Sub(vr.clock.Now()); remaining <= timeoutSafetyMargin {
			vr.observeOnly = true
			vr.log.Debug().Dur("remaining", remaining).Msg("Request is about to expire, observing only")
			return
		}
	}
	// A ready or start from one of the user's own other devices means a
	// sibling device owns the conversation.
	if vr.channel.ReceiveStartFromOtherDevices() && evt.Sender == vr.ourUser &&
		(evt.Kind == event.KindReady || evt.Kind == event.KindStart) &&
		evt.FromDevice() != vr.ourDevice {
		vr.observeOnly = true
		vr.log.Debug().
			Stringer("sibling_device", evt.FromDevice()).
			Msg("Sibling device answered the request, observing only")
	}
}

func (vr *VerificationRequest) recordLocked(ctx context.Context, evt *event.Event, isSentByUs bool) bool {
	origin := &vr.eventsByThem
	if isSentByUs {
		origin = &vr.eventsByUs
	}
	if evt.Kind == event.KindStart {
		if !origin.record(evt) {
			return false
		}
		vr.resolveStartLocked(ctx, evt, isSentByUs)
		return true
	}
	if !origin.record(evt) {
		return false
	}
	if !isSentByUs {
		switch evt.Kind {
		case event.KindRequest:
			if vr.requestReceivedAt.IsZero() {
				vr.requestReceivedAt = vr.clock.Now()
			}
			vr.computeCommonMethodsLocked(evt.Methods())
		case event.KindReady:
			vr.computeCommonMethodsLocked(evt.Methods())
		case event.KindCancel:
			vr.cancellation = evt.Cancel().AsError()
			vr.cancellingUserID = evt.Sender
		}
	} else if evt.Kind == event.KindCancel {
		vr.cancellation = evt.Cancel().AsError()
		vr.cancellingUserID = evt.Sender
	}
	return true
}

// computeCommonMethodsLocked computes the method intersection exactly once,
// from the first request/ready message not sent by this device.
func (vr *VerificationRequest) computeCommonMethodsLocked(theirMethods []event.VerificationMethod) {
	if vr.commonMethodsSet || len(theirMethods) == 0 {
		return
	}
	vr.theirMethods = slices.Clone(theirMethods)
	for _, method := range vr.offeredMethods {
		if slices.Contains(theirMethods, method) {
			vr.commonMethods = append(vr.commonMethods, method)
		}
	}
	vr.commonMethodsSet = true
}

// resolveStartLocked applies the deterministic start-race tie-break: for
// self-verification the originating device IDs of the competing starts are
// compared, for cross-user verification the originating user IDs; the
// lexicographically smaller identifier wins. A pending local start that has
// not been echoed yet competes using this device's own identifier.
func (vr *VerificationRequest) resolveStartLocked(ctx context.Context, evt *event.Event, isSentByUs bool) {
	if vr.startEvent == nil && !vr.pendingLocalStart {
		vr.startEvent = evt
		vr.startSentByUs = isSentByUs
		return
	}
	if isSentByUs {
		vr.pendingLocalStart = false
		if vr.startEvent == nil {
			// Our own start echoed with no competitor seen so far.
			vr.startEvent = evt
			vr.startSentByUs = true
			return
		}
		if vr.startSentByUs {
			return
		}
		// The other party's start already arrived while ours was pending;
		// re-run the comparison with the echoed message.
	}

	incomingID := vr.startIdentifierLocked(evt.Sender, evt.FromDevice())
	var currentID string
	if vr.startEvent != nil {
		currentID = vr.startIdentifierLocked(vr.startEvent.Sender, vr.startEvent.FromDevice())
	} else {
		// pendingLocalStart: the local identity stands in for the
		// not-yet-existent message.
		currentID = vr.startIdentifierLocked(vr.ourUser, vr.ourDevice)
	}

	if strings.Compare(incomingID, currentID) >= 0 {
		vr.log.Debug().
			Str("incoming", incomingID).
			Str("current", currentID).
			Msg("Incoming start message lost the race, keeping current start")
		return
	}
	vr.log.Debug().
		Str("incoming", incomingID).
		Str("current", currentID).
		Msg("Incoming start message won the race")
	vr.adoptStartLocked(ctx, evt, isSentByUs)
}

func (vr *VerificationRequest) adoptStartLocked(ctx context.Context, evt *event.Event, isSentByUs bool) {
	if vr.verifier != nil && !vr.verifier.CanSwitchStartEvent(evt) {
		vr.log.Debug().Msg("Verifier has already progressed, not switching start message")
		return
	}
	vr.startEvent = evt
	vr.startSentByUs = isSentByUs
	if !isSentByUs {
		vr.pendingLocalStart = false
	}
	vr.chosenMethod = evt.Start().Method
	if vr.verifier != nil && vr.verifier.CanSwitchStartEvent(evt) {
		vr.verifier.SwitchStartEvent(ctx, evt)
	}
}

func (vr *VerificationRequest) startIdentifierLocked(sender id.UserID, fromDevice id.DeviceID) string {
	if vr.channel.UserID() == vr.ourUser {
		return fromDevice.String()
	}
	return sender.String()
}

type transition struct {
	phase Phase
	evt   *event.Event
}

// derivePhasesLocked recomputes the ordered phase list from the accumulated
// event history. It is a pure function of state, so late re-delivery or
// reordering within the dedup window cannot corrupt the request.
func (vr *VerificationRequest) derivePhasesLocked() []transition {
	phases := []transition{{PhaseUnsent, nil}}
	head := func() Phase { return phases[len(phases)-1].phase }

	// Prefer the other party's request if both exist: it establishes who
	// is requesting.
	request := vr.eventsByThem.request
	requestSentByUs := false
	if request == nil {
		request = vr.eventsByUs.request
		requestSentByUs = true
	}
	if request != nil {
		phases = append(phases, transition{PhaseRequested, request})
	}

	ready := vr.eventsByThem.ready
	if ready == nil {
		ready = vr.eventsByUs.ready
	}
	if ready != nil && head() == PhaseRequested {
		phases = append(phases, transition{PhaseReady, ready})
	}

	if vr.startEvent != nil {
		startOK := false
		switch head() {
		case PhaseReady:
			startOK = true
		case PhaseRequested:
			startOK = vr.startSentByUs != requestSentByUs
		case PhaseUnsent:
			startOK = vr.channel.CanCreateRequestWith(event.KindStart)
		}
		if startOK {
			phases = append(phases, transition{PhaseStarted, vr.startEvent})
		}
	}

	// Both parties must signal done. An observing device only tracks one
	// slot per origin, so any done it sees counts.
	ourDone, theirDone := vr.eventsByUs.done, vr.eventsByThem.done
	bothDone := ourDone != nil && theirDone != nil
	if vr.observeOnly {
		bothDone = ourDone != nil || theirDone != nil
	}
	if head() == PhaseStarted && bothDone {
		done := theirDone
		if done == nil {
			done = ourDone
		}
		phases = append(phases, transition{PhaseDone, done})
	}

	if head() != PhaseDone {
		cancel := vr.eventsByThem.cancel
		if cancel == nil {
			cancel = vr.eventsByUs.cancel
		}
		if cancel != nil {
			phases = append(phases, transition{PhaseCancelled, cancel})
		}
	}
	return phases
}

// applyTransitionsLocked executes, in order, every transition the derived
// phase list contains beyond the currently stored phase. Returns whether
// anything changed.
func (vr *VerificationRequest) applyTransitionsLocked(ctx context.Context, isLive bool) bool {
	changed := false
	for _, t := range vr.derivePhasesLocked() {
		if t.phase <= vr.phase {
			continue
		}
		vr.phase = t.phase
		changed = true
		vr.log.Debug().Stringer("phase", t.phase).Msg("Verification phase transition")
		switch t.phase {
		case PhaseReady:
			if isLive {
				vr.maybeGenerateQRDataLocked(ctx)
			}
		case PhaseStarted:
			vr.ensureVerifierLocked(ctx)
		case PhaseCancelled:
			if vr.cancellation == nil && t.evt != nil && t.evt.Cancel() != nil {
				vr.cancellation = t.evt.Cancel().AsError()
				vr.cancellingUserID = t.evt.Sender
			}
		}
	}
	if changed {
		vr.rearmTimerLocked()
	}
	return changed
}

// ensureVerifierLocked creates the verifier for a remotely initiated start.
// When this side began the verification, the verifier already exists.
func (vr *VerificationRequest) ensureVerifierLocked(ctx context.Context) {
	if vr.verifier != nil || vr.startEvent == nil {
		return
	}
	startContent := vr.startEvent.Start()
	vr.chosenMethod = startContent.Method
	vr.verifier = newVerifier(vr, startContent.Method, vr.startEvent, vr.startSentByUs)
}

// maybeGenerateQRDataLocked computes the QR payload exactly once, at the
// moment the peer's scan capability becomes known. The payload commits to
// the keys observed at that instant and is never recomputed.
func (vr *VerificationRequest) maybeGenerateQRDataLocked(ctx context.Context) {
	if vr.qrCodeData != nil || vr.observeOnly {
		return
	}
	if !slices.Contains(vr.theirMethods, event.VerificationMethodQRCodeScan) ||
		!slices.Contains(vr.offeredMethods, event.VerificationMethodQRCodeShow) ||
		!slices.Contains(vr.commonMethods, event.VerificationMethodReciprocate) {
		return
	}
	qrData, err := generateQRCodeData(ctx, vr.crypto, vr.ourUser, vr.channel.UserID(), vr.channel.DeviceID(), vr.channel.TransactionID())
	if err != nil {
		vr.log.Err(err).Msg("Failed to generate QR code data")
		return
	}
	vr.qrCodeData = qrData
}

func (vr *VerificationRequest) rearmTimerLocked() {
	if vr.phase == PhaseRequested && !vr.observeOnly {
		remaining := vr.timeRemainingLocked()
		if vr.timer == nil {
			vr.timer = vr.clock.AfterFunc(remaining, vr.onTimeout)
		} else {
			vr.timer.Reset(remaining)
		}
		return
	}
	if vr.timer != nil {
		vr.timer.Stop()
		vr.timer = nil
	}
}

func (vr *VerificationRequest) onTimeout() {
	ctx := vr.log.WithContext(context.Background())
	vr.lock.Lock()
	if vr.phase != PhaseRequested {
		vr.lock.Unlock()
		return
	}
	initiatedByUs := vr.initiatedByUs
	vr.lock.Unlock()

	reason := "The verification request was not accepted in time."
	if !initiatedByUs {
		reason = "Accepting the verification request timed out."
	}
	vr.log.Info().Msg("Verification request timed out")
	_ = vr.Cancel(ctx, event.CancelCodeTimeout, reason)
}

// onVerifierDoneSent is called by the verifier right after it has sent its
// done signal, so the sent message gets recorded on transports without
// remote echo.
func (vr *VerificationRequest) onVerifierDoneSent(ctx context.Context, content *event.VerificationDoneEventContent) {
	if vr.channel.EchoesSentMessages() {
		return
	}
	evt := &event.Event{
		Kind:      event.KindDone,
		Sender:    vr.ourUser,
		Timestamp: vr.clock.Now(),
		Content:   content,
	}
	vr.HandleEvent(ctx, evt, true, true, true)
}

// onVerifierCancelled is called by the verifier after it has emitted (or
// suppressed, for peer-issued cancellations) the cancellation message.
func (vr *VerificationRequest) onVerifierCancelled(ctx context.Context, cancelledBy id.UserID, content *event.VerificationCancelEventContent) {
	vr.finalizeCancel(ctx, cancelledBy, content)
}

func (vr *VerificationRequest) notifyChange() {
	vr.lock.Lock()
	phase := vr.phase
	listeners := slices.Clone(vr.listeners)
	waiters := vr.waiters
	cancellation := vr.cancellation
	if phase == PhaseCancelled {
		vr.waiters = nil
	}
	vr.lock.Unlock()

	for _, listener := range listeners {
		listener(phase)
	}
	if phase == PhaseCancelled {
		for _, w := range waiters {
			w.ch <- cancellation
		}
		return
	}
	var satisfied map[*waiter]bool
	for _, w := range waiters {
		if w.pred(vr) {
			w.ch <- nil
			if satisfied == nil {
				satisfied = make(map[*waiter]bool)
			}
			satisfied[w] = true
		}
	}
	if len(satisfied) == 0 {
		return
	}
	vr.lock.Lock()
	// Filter in place: waiters may have been added while predicates ran.
	remaining := vr.waiters[:0]
	for _, w := range vr.waiters {
		if !satisfied[w] {
			remaining = append(remaining, w)
		}
	}
	vr.waiters = remaining
	vr.lock.Unlock()
}
