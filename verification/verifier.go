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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsonbytes"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// verifierInactivityTimeout is how long a verifier waits for the next
// message from the peer before cancelling with a timeout.
const verifierInactivityTimeout = 10 * time.Minute

// ErrStartEventSwitched resolves a pending Verify call when the start-message
// race was lost and the verifier adopted the other party's start. The caller
// should call Verify again to continue in the responder role.
var ErrStartEventSwitched = errors.New("start message was switched to the other party's")

// ErrSASNotReady is returned by Confirm before the short authentication
// string has been derived.
var ErrSASNotReady = errors.New("short authentication string has not been derived yet")

// Verifier runs one chosen verification method's message exchange on
// behalf of its owning VerificationRequest.
type Verifier interface {
	// Method is the verification method this verifier implements.
	Method() event.VerificationMethod
	// Verify drives the sub-protocol: on the first call the opening message
	// is emitted if this side is the originator, or the stored start message
	// is answered if the other party originated. It blocks until the
	// verification finishes, is cancelled, or ctx is done; repeated calls
	// share the same outstanding result. A return of ErrStartEventSwitched
	// means the start race was lost mid-wait and Verify should be called
	// again to continue with the other party's start.
	Verify(ctx context.Context) error
	// HandleEvent processes one inbound sub-protocol message from the
	// other party.
	HandleEvent(ctx context.Context, evt *event.Event)
	// Cancel cancels the verification, emitting a cancellation message to
	// the peer. Idempotent.
	Cancel(ctx context.Context, code event.CancelCode, reason string)
	// CanSwitchStartEvent reports whether this verifier can adopt the
	// given race-winning start message without tearing down its state.
	CanSwitchStartEvent(evt *event.Event) bool
	// SwitchStartEvent redirects the verifier to a different start message
	// after a lost start race.
	SwitchStartEvent(ctx context.Context, evt *event.Event)
}

// newVerifier builds the verifier for the chosen method. Unknown methods
// produce an illegal verifier that cancels the transaction when engaged.
func newVerifier(vr *VerificationRequest, method event.VerificationMethod, startEvent *event.Event, startedByUs bool) Verifier {
	switch method {
	case event.VerificationMethodSAS:
		return newSASVerifier(vr, startEvent, startedByUs)
	case event.VerificationMethodReciprocate:
		return newReciprocateVerifier(vr, startEvent, startedByUs)
	default:
		return newIllegalVerifier(vr, method)
	}
}

// verifyCycle is one round of waiting for the verification to settle. A
// start-race switch abandons the current cycle with ErrStartEventSwitched
// and installs a fresh one.
type verifyCycle struct {
	done    chan struct{}
	err     error
	settled bool
}

func newVerifyCycle() *verifyCycle {
	return &verifyCycle{done: make(chan struct{})}
}

// verifierBase carries the lifecycle shared by all method verifiers: the
// expected-next-message marker, the inactivity timer, and the settle-once
// completion of Verify.
type verifierBase struct {
	request *VerificationRequest
	method  event.VerificationMethod
	log     zerolog.Logger

	lock         sync.Mutex
	startEvent   *event.Event
	startedByUs  bool
	expectedKind event.Kind
	begun        bool
	cancelled    bool
	finished     bool
	timer        Timer
	cycle        *verifyCycle

	// begin emits the opening message (or answers the stored start) on the
	// first Verify call of a cycle.
	begin func(ctx context.Context) error
	// dispatch handles an inbound message matching the expectation.
	dispatch func(ctx context.Context, evt *event.Event)
}

func newVerifierBase(vr *VerificationRequest, method event.VerificationMethod, startEvent *event.Event, startedByUs bool) verifierBase {
	return verifierBase{
		request:     vr,
		method:      method,
		log:         vr.log.With().Str("method", string(method)).Logger(),
		startEvent:  startEvent,
		startedByUs: startedByUs,
		cycle:       newVerifyCycle(),
	}
}

func (v *verifierBase) Method() event.VerificationMethod {
	return v.method
}

func (v *verifierBase) Verify(ctx context.Context) error {
	v.lock.Lock()
	cycle := v.cycle
	alreadyBegun := v.begun
	v.begun = true
	v.lock.Unlock()

	if !alreadyBegun {
		v.resetInactivityTimer()
		if v.begin != nil {
			if err := v.begin(ctx); err != nil {
				v.log.Err(err).Msg("Failed to begin verification")
				v.settle(err)
			}
		}
	}
	select {
	case <-cycle.done:
		return cycle.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *verifierBase) HandleEvent(ctx context.Context, evt *event.Event) {
	v.lock.Lock()
	if v.cancelled || v.finished {
		v.lock.Unlock()
		return
	}
	if evt.Kind == event.KindCancel {
		// Peer-issued cancellation: terminal, never signalled back.
		v.cancelled = true
		v.stopTimerLocked()
		v.settleLocked(evt.Cancel().AsError())
		v.lock.Unlock()
		return
	}
	expected := v.expectedKind
	// The done signal is not gated on the expectation marker: the other
	// party may finish while this side is still waiting on its user, and
	// request-level dedup already protects against duplicates.
	if evt.Kind == expected || evt.Kind == event.KindDone {
		if evt.Kind == expected {
			v.expectedKind = ""
		}
		v.lock.Unlock()
		v.resetInactivityTimer()
		v.dispatch(ctx, evt)
		return
	}
	v.lock.Unlock()
	if expected == "" {
		// Nothing is expected, so this is a historical replay rather than
		// a live protocol violation.
		v.log.Debug().Str("message_kind", evt.Kind.String()).Msg("Ignoring replayed message")
		return
	}
	v.Cancel(ctx, event.CancelCodeUnexpectedMessage,
		fmt.Sprintf("Expected %s message, got %s", expected, evt.Kind))
}

func (v *verifierBase) Cancel(ctx context.Context, code event.CancelCode, reason string) {
	v.lock.Lock()
	if v.cancelled || v.finished {
		v.lock.Unlock()
		return
	}
	v.cancelled = true
	v.stopTimerLocked()
	v.lock.Unlock()

	content := event.NewCancelEventContent(code, reason)
	if !v.request.ObserveOnly() {
		if err := v.request.channel.Send(ctx, event.KindCancel, content); err != nil {
			v.log.Err(err).Msg("Failed to send cancellation message")
		}
	}
	v.settle(content.AsError())
	v.request.onVerifierCancelled(ctx, v.request.ourUser, content)
}

func (v *verifierBase) CanSwitchStartEvent(evt *event.Event) bool {
	return false
}

func (v *verifierBase) SwitchStartEvent(ctx context.Context, evt *event.Event) {}

// adoptStart records the other party's race-winning start message. If a
// Verify call had already begun, its wait is resolved with
// ErrStartEventSwitched and a fresh cycle is installed; the returned flag
// tells the concrete verifier whether it must answer the new start itself
// (true) or whether the next Verify call will (false).
func (v *verifierBase) adoptStart(evt *event.Event) (wasBegun bool) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.startEvent = evt
	v.startedByUs = false
	v.expectedKind = ""
	wasBegun = v.begun
	if wasBegun && !v.cycle.settled {
		v.settleLocked(ErrStartEventSwitched)
	}
	v.cycle = newVerifyCycle()
	v.begun = false
	return
}

// finish marks the verification successful and resolves Verify.
func (v *verifierBase) finish() {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.cancelled || v.finished {
		return
	}
	v.finished = true
	v.stopTimerLocked()
	v.settleLocked(nil)
}

func (v *verifierBase) settle(err error) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.settleLocked(err)
}

func (v *verifierBase) settleLocked(err error) {
	if v.cycle.settled {
		return
	}
	v.cycle.settled = true
	v.cycle.err = err
	close(v.cycle.done)
}

func (v *verifierBase) expect(kind event.Kind) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.expectedKind = kind
}

func (v *verifierBase) resetInactivityTimer() {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.cancelled || v.finished {
		return
	}
	if v.timer == nil {
		v.timer = v.request.clock.AfterFunc(verifierInactivityTimeout, v.onInactivityTimeout)
	} else {
		v.timer.Reset(verifierInactivityTimeout)
	}
}

func (v *verifierBase) stopTimerLocked() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

func (v *verifierBase) onInactivityTimeout() {
	ctx := v.log.WithContext(context.Background())
	v.log.Info().Msg("Verifier timed out waiting for the other party")
	v.Cancel(ctx, event.CancelCodeTimeout, "")
}

// illegalVerifier stands in for a start message with a method this device
// cannot handle. Engaging it cancels the transaction.
type illegalVerifier struct {
	verifierBase
	rejectOnce sync.Once
}

func newIllegalVerifier(vr *VerificationRequest, method event.VerificationMethod) *illegalVerifier {
	iv := &illegalVerifier{verifierBase: newVerifierBase(vr, method, nil, false)}
	iv.begin = func(ctx context.Context) error {
		iv.rejectMethod(ctx)
		return nil
	}
	iv.dispatch = func(ctx context.Context, evt *event.Event) {}
	return iv
}

func (iv *illegalVerifier) rejectMethod(ctx context.Context) {
	iv.rejectOnce.Do(func() {
		iv.Cancel(ctx, event.CancelCodeUnknownMethod,
			fmt.Sprintf("Unknown method %s", iv.method))
	})
}

// VerifyClaimedKeys attempts to mark each device key attested by the other
// party as locally verified using the supplied per-key verifier. Devices
// unknown to local storage are skipped with a warning; the operation fails
// only if no device could be verified at all.
func VerifyClaimedKeys(
	ctx context.Context,
	backend CryptoBackend,
	userID id.UserID,
	claimed map[id.KeyID]jsonbytes.UnpaddedBytes,
	verify func(ctx context.Context, device *Device, mac jsonbytes.UnpaddedBytes) error,
) error {
	log := zerolog.Ctx(ctx)
	verified := 0
	for keyID, mac := range claimed {
		algorithm, deviceID := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			log.Warn().Stringer("key_id", keyID).Msg("Skipping claimed key with unknown algorithm")
			continue
		}
		device, err := backend.GetDevice(ctx, userID, id.DeviceID(deviceID))
		if errors.Is(err, ErrDeviceNotFound) {
			log.Warn().
				Str("device_id", deviceID).
				Msg("Skipping claimed key for device not known to local storage")
			continue
		} else if err != nil {
			return fmt.Errorf("failed to get device %s/%s: %w", userID, deviceID, err)
		}
		if err = verify(ctx, device, mac); err != nil {
			return fmt.Errorf("failed to verify device %s/%s: %w", userID, deviceID, err)
		}
		verified++
	}
	if verified == 0 {
		return fmt.Errorf("no devices of %s could be verified", userID)
	}
	return nil
}
