// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/keyverify/event"
)

// ReciprocateVerifier implements the m.reciprocate.v1 method: the device
// that scanned a QR code proves the scan by echoing the embedded shared
// secret in its start message, and the device that showed the code checks
// the echo before the user confirms the scan on screen.
type ReciprocateVerifier struct {
	verifierBase
	crypto CryptoBackend

	// secret is the shared secret from the scanned QR code. Only set on
	// the scanning side.
	secret []byte

	// Guarded by verifierBase.lock.
	scanConfirmed bool
	sentDone      bool
	theirDone     bool
}

func newReciprocateVerifier(vr *VerificationRequest, startEvent *event.Event, startedByUs bool) *ReciprocateVerifier {
	v := &ReciprocateVerifier{
		verifierBase: newVerifierBase(vr, event.VerificationMethodReciprocate, startEvent, startedByUs),
		crypto:       vr.crypto,
	}
	v.begin = v.beginReciprocate
	v.dispatch = v.dispatchReciprocate
	return v
}

func (v *ReciprocateVerifier) beginReciprocate(ctx context.Context) error {
	v.lock.Lock()
	startedByUs := v.startedByUs
	startEvent := v.startEvent
	v.lock.Unlock()
	if startedByUs {
		return v.sendScannedStart(ctx)
	}
	return v.checkScannedSecret(ctx, startEvent)
}

func (v *ReciprocateVerifier) dispatchReciprocate(ctx context.Context, evt *event.Event) {
	if evt.Kind != event.KindDone {
		return
	}
	v.lock.Lock()
	v.theirDone = true
	sentDone := v.sentDone
	v.lock.Unlock()
	if sentDone {
		v.finish()
	}
}

// sendScannedStart runs the scanning side: the start message proves the
// scan by echoing the shared secret, and our done signal follows
// immediately since the key checks already happened at scan time.
func (v *ReciprocateVerifier) sendScannedStart(ctx context.Context) error {
	if len(v.secret) == 0 {
		return errors.New("reciprocation can only be started from a scanned QR code")
	}
	content := &event.VerificationStartEventContent{
		FromDevice: v.request.ourDevice,
		Method:     event.VerificationMethodReciprocate,
		Secret:     v.secret,
	}
	v.log.Info().Msg("Sending reciprocate start message")
	if err := v.request.channel.Send(ctx, event.KindStart, content); err != nil {
		return fmt.Errorf("failed to send start message: %w", err)
	}
	v.request.noteStartSent(ctx, content)
	return v.sendDone(ctx)
}

// checkScannedSecret runs the showing side: the echoed secret must match
// the one embedded in the QR code this device displayed.
func (v *ReciprocateVerifier) checkScannedSecret(ctx context.Context, startEvent *event.Event) error {
	qrData := v.request.QRCodeData()
	if qrData == nil {
		v.Cancel(ctx, event.CancelCodeUnexpectedMessage, "No QR code was generated for this transaction")
		return nil
	}
	if !hmac.Equal(startEvent.Start().Secret, qrData.SharedSecret) {
		v.Cancel(ctx, event.CancelCodeKeyMismatch, "The scanned shared secret does not match")
		return nil
	}
	v.log.Info().Msg("The other device proved that it scanned our QR code")
	v.expect(event.KindDone)
	if v.request.qrCodeScanned != nil {
		v.request.qrCodeScanned(ctx, v.request.channel.TransactionID())
	}
	return nil
}

// ConfirmScanned is called on the showing side after the user confirmed on
// screen that the other device reports a successful scan. It marks the
// other device's keys trusted and sends our done signal.
func (v *ReciprocateVerifier) ConfirmScanned(ctx context.Context) error {
	v.lock.Lock()
	if v.cancelled || v.finished {
		v.lock.Unlock()
		return ErrInvalidPhase
	}
	if v.startedByUs || v.secret != nil {
		v.lock.Unlock()
		return errors.New("only the device that showed the QR code can confirm the scan")
	}
	if v.scanConfirmed {
		v.lock.Unlock()
		// The trust marks are already in place, only the done signal may
		// still be pending after a failed send.
		return v.sendDone(ctx)
	}
	v.scanConfirmed = true
	v.lock.Unlock()

	theirUser := v.request.channel.UserID()
	theirDevice := v.request.channel.DeviceID()
	if err := v.crypto.MarkDeviceVerified(ctx, theirUser, theirDevice); err != nil {
		return fmt.Errorf("failed to mark device as verified: %w", err)
	}
	if theirUser == v.request.ourUser {
		// The scanning device holds a trusted view of the master key, so
		// its scan is what makes our own identity trustworthy.
		if trusted, err := v.crypto.IsOwnMasterKeyTrusted(ctx); err == nil && !trusted {
			if err = v.crypto.MarkOwnMasterKeyTrusted(ctx, theirDevice); err != nil {
				return fmt.Errorf("failed to mark own master key as trusted: %w", err)
			}
		}
	} else {
		if err := v.crypto.MarkUserVerified(ctx, theirUser); err != nil {
			return fmt.Errorf("failed to mark user as verified: %w", err)
		}
	}
	return v.sendDone(ctx)
}

func (v *ReciprocateVerifier) sendDone(ctx context.Context) error {
	v.lock.Lock()
	if v.sentDone {
		v.lock.Unlock()
		return nil
	}
	v.sentDone = true
	v.lock.Unlock()

	content := &event.VerificationDoneEventContent{}
	v.expect(event.KindDone)
	if err := v.request.channel.Send(ctx, event.KindDone, content); err != nil {
		v.lock.Lock()
		v.sentDone = false
		v.lock.Unlock()
		return fmt.Errorf("failed to send done message: %w", err)
	}
	v.lock.Lock()
	theirDone := v.theirDone
	v.lock.Unlock()
	v.request.onVerifierDoneSent(ctx, content)
	if theirDone {
		v.finish()
	}
	return nil
}

// HandleScannedQRCode verifies the keys committed to by a QR code this
// device just scanned and, when they check out, proves the scan to the
// other device by starting a reciprocate exchange. The returned verifier's
// Verify drives that exchange.
func (vr *VerificationRequest) HandleScannedQRCode(ctx context.Context, data []byte) (*ReciprocateVerifier, error) {
	qrData, err := ParseQRCodeData(data)
	if err != nil {
		return nil, err
	}
	log := vr.log.With().
		Str("verification_action", "handle scanned QR code").
		Int("mode", int(qrData.Mode)).
		Logger()
	ctx = log.WithContext(ctx)

	vr.lock.Lock()
	if qrData.TransactionID != vr.channel.TransactionID() {
		vr.lock.Unlock()
		return nil, fmt.Errorf("the scanned QR code belongs to a different transaction")
	}
	if vr.observeOnly {
		vr.lock.Unlock()
		return nil, ErrObserveOnly
	}
	if vr.verifier != nil {
		vr.lock.Unlock()
		return nil, ErrVerifierAlreadyExists
	}
	if vr.phase != PhaseReady {
		vr.lock.Unlock()
		return nil, ErrInvalidPhase
	}
	vr.lock.Unlock()

	if err = vr.verifyScannedKeys(ctx, qrData); err != nil {
		return nil, err
	}

	vr.lock.Lock()
	defer vr.lock.Unlock()
	if vr.verifier != nil {
		return nil, ErrVerifierAlreadyExists
	}
	verifier := newReciprocateVerifier(vr, nil, true)
	verifier.secret = qrData.SharedSecret
	vr.verifier = verifier
	vr.chosenMethod = event.VerificationMethodReciprocate
	vr.pendingLocalStart = true
	return verifier, nil
}

// verifyScannedKeys checks the key material committed to by the scanned QR
// code against local knowledge and marks the appropriate trust on success.
func (vr *VerificationRequest) verifyScannedKeys(ctx context.Context, qrData *QRCodeData) error {
	log := zerolog.Ctx(ctx)
	theirUser := vr.channel.UserID()
	theirDevice := vr.channel.DeviceID()

	ownMasterKey, err := vr.crypto.OwnMasterKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get own master key: %w", err)
	}

	cancelMismatch := func(reason string) error {
		_ = vr.Cancel(ctx, event.CancelCodeKeyMismatch, reason)
		return fmt.Errorf("%s", reason)
	}

	switch qrData.Mode {
	case QRCodeModeCrossSigning:
		if theirUser == vr.ourUser {
			return errors.New("cross-signing mode QR codes cannot be used to verify own devices")
		}
		theirMasterKey, err := vr.crypto.MasterKey(ctx, theirUser)
		if err != nil {
			return cancelMismatch(fmt.Sprintf("couldn't get %s's master key", theirUser))
		}
		if !bytes.Equal(theirMasterKey.Bytes(), qrData.Key1[:]) {
			return cancelMismatch("the other user does not have the master key we expected")
		}
		if !bytes.Equal(ownMasterKey.Bytes(), qrData.Key2[:]) {
			return cancelMismatch("the other user has the wrong master key for us")
		}
		log.Info().Msg("Verified both master keys from the QR code")
		if err = vr.crypto.MarkUserVerified(ctx, theirUser); err != nil {
			return fmt.Errorf("failed to mark user as verified: %w", err)
		}
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		// The code was created by a device that trusts the master key,
		// which means this device is the one being brought into the fold.
		if theirUser != vr.ourUser {
			return errors.New("self-verification mode QR codes can only be used within the same user")
		}
		if !bytes.Equal(ownMasterKey.Bytes(), qrData.Key1[:]) {
			return cancelMismatch("the master key does not match")
		}
		ownDevice, err := vr.crypto.OwnDevice(ctx)
		if err != nil {
			return fmt.Errorf("failed to get own device: %w", err)
		}
		if !bytes.Equal(ownDevice.SigningKey.Bytes(), qrData.Key2[:]) {
			return cancelMismatch("the other device has the wrong key for this device")
		}
		log.Info().Msg("Verified the master key from the QR code")
		if err = vr.crypto.MarkOwnMasterKeyTrusted(ctx, theirDevice); err != nil {
			return fmt.Errorf("failed to mark own master key as trusted: %w", err)
		}
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		// The code was created by a device that does not trust the master
		// key yet, so this device must hold a trusted view of it.
		if theirUser != vr.ourUser {
			return errors.New("self-verification mode QR codes can only be used within the same user")
		}
		if trusted, err := vr.crypto.IsOwnMasterKeyTrusted(ctx); err != nil {
			return err
		} else if !trusted {
			return errors.New("cannot verify a device that does not trust the master key when this device does not trust it either")
		}
		device, err := vr.crypto.GetDevice(ctx, theirUser, theirDevice)
		if err != nil {
			return fmt.Errorf("failed to get device %s/%s: %w", theirUser, theirDevice, err)
		}
		if !bytes.Equal(device.SigningKey.Bytes(), qrData.Key1[:]) {
			return cancelMismatch("the other device's key is not what we expected")
		}
		if !bytes.Equal(ownMasterKey.Bytes(), qrData.Key2[:]) {
			return cancelMismatch("the master key does not match")
		}
		log.Info().Msg("Verified the other device's key from the QR code")
		if err = vr.crypto.MarkDeviceVerified(ctx, theirUser, theirDevice); err != nil {
			return fmt.Errorf("failed to mark device as verified: %w", err)
		}
	}
	return nil
}
