// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"go.mau.fi/util/jsonbytes"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/slices"

	"go.mau.fi/keyverify/canonicaljson"
	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// SASVerifier implements the m.sas.v1 short authentication string method:
// an ephemeral X25519 agreement whose derived secret is presented to both
// users as emoji or decimals, followed by a MAC exchange over the long-term
// keys being verified.
type SASVerifier struct {
	verifierBase
	crypto CryptoBackend

	// All of the following are guarded by verifierBase.lock.
	startContent   *event.VerificationStartEventContent
	macMethod      event.MACMethod
	sasMethods     []event.SASMethod
	commitment     []byte
	ephemeralKey   *ecdh.PrivateKey
	theirPublicKey *ecdh.PublicKey
	keyShared      bool

	emojis   []rune
	decimals []int
	sasReady bool

	sentMAC   bool
	theirMAC  bool
	sentDone  bool
	theirDone bool
}

func newSASVerifier(vr *VerificationRequest, startEvent *event.Event, startedByUs bool) *SASVerifier {
	v := &SASVerifier{
		verifierBase: newVerifierBase(vr, event.VerificationMethodSAS, startEvent, startedByUs),
		crypto:       vr.crypto,
	}
	if startEvent != nil {
		v.startContent = startEvent.Start()
	}
	v.begin = v.beginSAS
	v.dispatch = v.dispatchSAS
	return v
}

// Emojis returns the derived emoji representation of the short
// authentication string, or nil if it has not been derived yet.
func (v *SASVerifier) Emojis() []rune {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.emojis
}

// Decimals returns the derived decimal representation of the short
// authentication string, or nil if it has not been derived yet.
func (v *SASVerifier) Decimals() []int {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.decimals
}

func (v *SASVerifier) beginSAS(ctx context.Context) error {
	v.lock.Lock()
	startedByUs := v.startedByUs
	content := v.startContent
	v.lock.Unlock()
	if startedByUs {
		return v.sendStart(ctx)
	}
	return v.respondToStart(ctx, content)
}

func (v *SASVerifier) dispatchSAS(ctx context.Context, evt *event.Event) {
	switch evt.Kind {
	case event.KindAccept:
		v.handleAccept(ctx, evt)
	case event.KindKey:
		v.handleKey(ctx, evt)
	case event.KindMAC:
		v.handleMAC(ctx, evt)
	case event.KindDone:
		v.handleDone(ctx, evt)
	}
}

func (v *SASVerifier) sendStart(ctx context.Context) error {
	content := &event.VerificationStartEventContent{
		FromDevice: v.request.ourDevice,
		Method:     event.VerificationMethodSAS,

		Hashes:                []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols: []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{
			event.MACMethodHKDFHMACSHA256,
			event.MACMethodHKDFHMACSHA256V2,
		},
		ShortAuthenticationString: []event.SASMethod{
			event.SASMethodDecimal,
			event.SASMethodEmoji,
		},
	}
	v.lock.Lock()
	v.startContent = content
	v.lock.Unlock()
	v.expect(event.KindAccept)
	v.log.Info().Msg("Sending SAS start message")
	if err := v.request.channel.Send(ctx, event.KindStart, content); err != nil {
		return fmt.Errorf("failed to send start message: %w", err)
	}
	v.request.noteStartSent(ctx, content)
	return nil
}

// respondToStart answers the other party's start message by choosing the
// protocol parameters and committing to our ephemeral public key.
func (v *SASVerifier) respondToStart(ctx context.Context, content *event.VerificationStartEventContent) error {
	v.log.Info().Msg("Answering SAS start message")
	if !content.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256) {
		v.Cancel(ctx, event.CancelCodeUnknownMethod,
			"The other device does not support any key agreement protocols that we support")
		return nil
	}
	if !content.SupportsHashMethod(event.VerificationHashMethodSHA256) {
		v.Cancel(ctx, event.CancelCodeUnknownMethod,
			"The other device does not support any hash methods that we support")
		return nil
	}
	macMethod := event.MACMethodHKDFHMACSHA256V2
	if !content.SupportsMACMethod(macMethod) {
		if content.SupportsMACMethod(event.MACMethodHKDFHMACSHA256) {
			macMethod = event.MACMethodHKDFHMACSHA256
		} else {
			v.Cancel(ctx, event.CancelCodeUnknownMethod,
				"The other device does not support any message authentication codes that we support")
			return nil
		}
	}
	var sasMethods []event.SASMethod
	for _, sasMethod := range content.ShortAuthenticationString {
		if sasMethod == event.SASMethodDecimal || sasMethod == event.SASMethodEmoji {
			sasMethods = append(sasMethods, sasMethod)
		}
	}
	if len(sasMethods) == 0 {
		v.Cancel(ctx, event.CancelCodeUnknownMethod,
			"The other device does not support any short authentication string methods that we support")
		return nil
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	commitment, err := calculateCommitment(ephemeralKey.PublicKey(), content)
	if err != nil {
		return fmt.Errorf("failed to calculate commitment: %w", err)
	}

	// State must be in place before the accept goes out: the other party's
	// key message may be delivered re-entrantly from within Send.
	v.lock.Lock()
	v.macMethod = macMethod
	v.sasMethods = sasMethods
	v.ephemeralKey = ephemeralKey
	v.lock.Unlock()
	v.expect(event.KindKey)

	err = v.request.channel.Send(ctx, event.KindAccept, &event.VerificationAcceptEventContent{
		Commitment:                commitment,
		Hash:                      event.VerificationHashMethodSHA256,
		KeyAgreementProtocol:      event.KeyAgreementProtocolCurve25519HKDFSHA256,
		MessageAuthenticationCode: macMethod,
		ShortAuthenticationString: sasMethods,
	})
	if err != nil {
		return fmt.Errorf("failed to send accept message: %w", err)
	}
	return nil
}

func (v *SASVerifier) handleAccept(ctx context.Context, evt *event.Event) {
	acceptContent := evt.Accept()
	log := v.log.With().
		Str("hash", string(acceptContent.Hash)).
		Str("key_agreement_protocol", string(acceptContent.KeyAgreementProtocol)).
		Str("message_authentication_code", string(acceptContent.MessageAuthenticationCode)).
		Any("short_authentication_string", acceptContent.ShortAuthenticationString).
		Logger()
	log.Info().Msg("Received SAS accept message")

	if acceptContent.KeyAgreementProtocol != event.KeyAgreementProtocolCurve25519HKDFSHA256 ||
		acceptContent.Hash != event.VerificationHashMethodSHA256 ||
		(acceptContent.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256 &&
			acceptContent.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256V2) {
		v.Cancel(ctx, event.CancelCodeUnknownMethod,
			"The other device chose protocol parameters that we do not support")
		return
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		log.Err(err).Msg("Failed to generate ephemeral key")
		v.Cancel(ctx, event.CancelCodeInvalidMessage, "Failed to generate ephemeral key")
		return
	}
	v.lock.Lock()
	v.macMethod = acceptContent.MessageAuthenticationCode
	v.sasMethods = slices.Clone(acceptContent.ShortAuthenticationString)
	v.commitment = acceptContent.Commitment
	v.ephemeralKey = ephemeralKey
	v.keyShared = true
	v.lock.Unlock()
	v.expect(event.KindKey)

	err = v.request.channel.Send(ctx, event.KindKey, &event.VerificationKeyEventContent{
		Key: ephemeralKey.PublicKey().Bytes(),
	})
	if err != nil {
		log.Err(err).Msg("Failed to send key message")
	}
}

func (v *SASVerifier) handleKey(ctx context.Context, evt *event.Event) {
	log := v.log.With().Str("verification_action", "key exchange").Logger()
	theirPublicKey, err := ecdh.X25519().NewPublicKey(evt.Key().Key)
	if err != nil {
		log.Err(err).Msg("Failed to parse the other party's ephemeral key")
		v.Cancel(ctx, event.CancelCodeInvalidMessage, "Invalid ephemeral public key")
		return
	}

	v.lock.Lock()
	v.theirPublicKey = theirPublicKey
	keyShared := v.keyShared
	startContent := v.startContent
	commitment := v.commitment
	ephemeralKey := v.ephemeralKey
	sasMethods := v.sasMethods
	v.lock.Unlock()

	if keyShared {
		// We revealed our key first, so their accept committed to this key
		// and the canonical start content.
		expectedCommitment, err := calculateCommitment(theirPublicKey, startContent)
		if err != nil {
			log.Err(err).Msg("Failed to calculate commitment")
			return
		}
		if !hmac.Equal(expectedCommitment, commitment) {
			v.Cancel(ctx, event.CancelCodeKeyMismatch, "The key was not the one we expected")
			return
		}
	} else {
		v.lock.Lock()
		v.keyShared = true
		v.lock.Unlock()
		err = v.request.channel.Send(ctx, event.KindKey, &event.VerificationKeyEventContent{
			Key: ephemeralKey.PublicKey().Bytes(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to send key message")
			return
		}
	}

	sasBytes, err := v.sasHKDF(ephemeralKey, theirPublicKey)
	if err != nil {
		log.Err(err).Msg("Failed to compute HKDF for SAS")
		return
	}

	var decimals []int
	var emojis []rune
	if slices.Contains(sasMethods, event.SASMethodDecimal) {
		decimals = []int{
			(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
			((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
			((int(sasBytes[3])&0x3f)<<7 | int(sasBytes[4])>>1) + 1000,
		}
	}
	if slices.Contains(sasMethods, event.SASMethodEmoji) {
		sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
			uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
		for i := 0; i < 7; i++ {
			// Right shift the number and then mask the lowest 6 bits.
			emojiIdx := (sasNum >> uint(48-(i+1)*6)) & 0b111111
			emojis = append(emojis, allEmojis[emojiIdx])
		}
	}

	v.lock.Lock()
	v.decimals = decimals
	v.emojis = emojis
	v.sasReady = true
	v.lock.Unlock()
	v.expect(event.KindMAC)

	if v.request.showSAS != nil {
		v.request.showSAS(ctx, v.request.channel.TransactionID(), emojis, decimals)
	}
}

// Confirm indicates that the user compared the short authentication string
// with the one shown on the other device and they match. It sends our MAC
// message and, if the other party's MAC has already been verified, the done
// message as well.
func (v *SASVerifier) Confirm(ctx context.Context) error {
	v.lock.Lock()
	if v.cancelled || v.finished {
		v.lock.Unlock()
		return ErrInvalidPhase
	}
	if !v.sasReady {
		v.lock.Unlock()
		return ErrSASNotReady
	}
	alreadySent := v.sentMAC
	v.sentMAC = true
	theirMACVerified := v.theirMAC
	v.lock.Unlock()

	if !alreadySent {
		if err := v.sendMAC(ctx); err != nil {
			// Roll back so a retry actually resends instead of no-opping.
			v.lock.Lock()
			v.sentMAC = false
			v.lock.Unlock()
			return err
		}
	}
	if theirMACVerified {
		return v.sendDone(ctx)
	}
	return nil
}

// Mismatch indicates that the short authentication strings shown on the
// two devices did not match.
func (v *SASVerifier) Mismatch(ctx context.Context) {
	v.Cancel(ctx, event.CancelCodeMismatchedSAS, "")
}

func (v *SASVerifier) sendMAC(ctx context.Context) error {
	log := v.log.With().Str("verification_action", "confirm SAS").Logger()
	log.Info().Msg("Computing MACs for own keys")

	ownDevice, err := v.crypto.OwnDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get own device: %w", err)
	}
	keys := map[id.KeyID]jsonbytes.UnpaddedBytes{}
	deviceKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, ownDevice.DeviceID.String())
	keys[deviceKeyID], err = v.macHKDF(
		v.request.ourUser, v.request.ourDevice,
		v.request.channel.UserID(), v.request.channel.DeviceID(),
		deviceKeyID.String(), ownDevice.SigningKey.String())
	if err != nil {
		return err
	}

	// The master key is only attested when this device itself trusts it.
	masterKey, err := v.crypto.OwnMasterKey(ctx)
	if err == nil && masterKey != "" {
		if trusted, trustErr := v.crypto.IsOwnMasterKeyTrusted(ctx); trustErr == nil && trusted {
			masterKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, masterKey.String())
			keys[masterKeyID], err = v.macHKDF(
				v.request.ourUser, v.request.ourDevice,
				v.request.channel.UserID(), v.request.channel.DeviceID(),
				masterKeyID.String(), masterKey.String())
			if err != nil {
				return err
			}
		}
	}

	keyIDs := make([]string, 0, len(keys))
	for keyID := range keys {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	keysMAC, err := v.macHKDF(
		v.request.ourUser, v.request.ourDevice,
		v.request.channel.UserID(), v.request.channel.DeviceID(),
		"KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return err
	}

	return v.request.channel.Send(ctx, event.KindMAC, &event.VerificationMACEventContent{
		Keys: keysMAC,
		MAC:  keys,
	})
}

func (v *SASVerifier) handleMAC(ctx context.Context, evt *event.Event) {
	log := v.log.With().Str("verification_action", "mac").Logger()
	log.Info().Msg("Received SAS MAC message")
	macContent := evt.MAC()
	theirUser := v.request.channel.UserID()
	theirDevice := v.request.channel.DeviceID()

	keyIDs := make([]string, 0, len(macContent.MAC))
	for keyID := range macContent.MAC {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	expectedKeysMAC, err := v.macHKDF(theirUser, theirDevice, v.request.ourUser, v.request.ourDevice,
		"KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		log.Err(err).Msg("Failed to calculate key list MAC")
		return
	}
	if !hmac.Equal(expectedKeysMAC, macContent.Keys) {
		v.Cancel(ctx, event.CancelCodeKeyMismatch, "Key list MAC mismatch")
		return
	}

	// Split the master key attestation out: it is not a device and is
	// checked against the user's known cross-signing identity instead.
	masterKey, err := v.crypto.MasterKey(ctx, theirUser)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get the other party's master key")
		masterKey = ""
	}
	masterVerified := false
	deviceMACs := make(map[id.KeyID]jsonbytes.UnpaddedBytes, len(macContent.MAC))
	for keyID, mac := range macContent.MAC {
		if alg, name := keyID.Parse(); alg == id.KeyAlgorithmEd25519 && masterKey != "" && name == masterKey.String() {
			expectedMAC, err := v.macHKDF(theirUser, theirDevice, v.request.ourUser, v.request.ourDevice,
				keyID.String(), masterKey.String())
			if err != nil {
				log.Err(err).Msg("Failed to calculate master key MAC")
				return
			}
			if !hmac.Equal(expectedMAC, mac) {
				v.Cancel(ctx, event.CancelCodeKeyMismatch, "Master key MAC mismatch")
				return
			}
			masterVerified = true
			continue
		}
		deviceMACs[keyID] = mac
	}

	err = VerifyClaimedKeys(ctx, v.crypto, theirUser, deviceMACs,
		func(ctx context.Context, device *Device, mac jsonbytes.UnpaddedBytes) error {
			keyID := id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String())
			expectedMAC, err := v.macHKDF(theirUser, theirDevice, v.request.ourUser, v.request.ourDevice,
				keyID.String(), device.SigningKey.String())
			if err != nil {
				return err
			}
			if !hmac.Equal(expectedMAC, mac) {
				return fmt.Errorf("MAC mismatch for key %s", keyID)
			}
			return v.crypto.MarkDeviceVerified(ctx, device.UserID, device.DeviceID)
		})
	if err != nil {
		log.Err(err).Msg("Failed to verify the other party's device keys")
		v.Cancel(ctx, event.CancelCodeKeyMismatch, "Device key MAC mismatch")
		return
	}

	if masterVerified {
		if theirUser == v.request.ourUser {
			err = v.crypto.MarkOwnMasterKeyTrusted(ctx, theirDevice)
		} else {
			err = v.crypto.MarkUserVerified(ctx, theirUser)
		}
		if err != nil {
			log.Err(err).Msg("Failed to mark master key as verified")
		}
	}

	v.lock.Lock()
	v.theirMAC = true
	sentMAC := v.sentMAC
	v.lock.Unlock()
	if sentMAC {
		if err = v.sendDone(ctx); err != nil {
			log.Err(err).Msg("Failed to send done message")
		}
	} else {
		// The other party finishes as soon as our MAC reaches them, which
		// may be before this user confirms.
		v.expect(event.KindDone)
	}
}

func (v *SASVerifier) sendDone(ctx context.Context) error {
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
		return err
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

func (v *SASVerifier) handleDone(ctx context.Context, evt *event.Event) {
	v.lock.Lock()
	v.theirDone = true
	sentDone := v.sentDone
	v.lock.Unlock()
	if sentDone {
		v.finish()
	}
}

func (v *SASVerifier) CanSwitchStartEvent(evt *event.Event) bool {
	startContent := evt.Start()
	if startContent == nil || startContent.Method != event.VerificationMethodSAS {
		return false
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.startedByUs && !v.keyShared && !v.cancelled && !v.finished
}

func (v *SASVerifier) SwitchStartEvent(ctx context.Context, evt *event.Event) {
	v.log.Info().Msg("Switching to the other party's start message")
	v.adoptStart(evt)
	v.lock.Lock()
	v.startContent = evt.Start()
	v.ephemeralKey = nil
	v.commitment = nil
	v.macMethod = ""
	v.sasMethods = nil
	v.lock.Unlock()
}

func calculateCommitment(ephemeralPubKey *ecdh.PublicKey, startContent *event.VerificationStartEventContent) ([]byte, error) {
	// The commitment is the hash of the concatenation of the accepting
	// device's ephemeral public key (encoded as unpadded base64) and the
	// canonical JSON representation of the start message content.
	hash := sha256.New()
	hash.Write([]byte(base64.RawStdEncoding.EncodeToString(ephemeralPubKey.Bytes())))
	encodedStartContent, err := json.Marshal(startContent)
	if err != nil {
		return nil, err
	}
	hash.Write(canonicaljson.CanonicalJSONAssumeValid(encodedStartContent))
	return hash.Sum(nil), nil
}

func (v *SASVerifier) sasHKDF(ephemeralKey *ecdh.PrivateKey, theirPublicKey *ecdh.PublicKey) ([]byte, error) {
	sharedSecret, err := ephemeralKey.ECDH(theirPublicKey)
	if err != nil {
		return nil, err
	}

	myInfo := strings.Join([]string{
		v.request.ourUser.String(),
		v.request.ourDevice.String(),
		base64.RawStdEncoding.EncodeToString(ephemeralKey.PublicKey().Bytes()),
	}, "|")
	theirInfo := strings.Join([]string{
		v.request.channel.UserID().String(),
		v.request.channel.DeviceID().String(),
		base64.RawStdEncoding.EncodeToString(theirPublicKey.Bytes()),
	}, "|")

	// The originator's info goes first.
	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_SAS|")
	v.lock.Lock()
	startedByUs := v.startedByUs
	v.lock.Unlock()
	if startedByUs {
		infoBuf.WriteString(myInfo + "|" + theirInfo)
	} else {
		infoBuf.WriteString(theirInfo + "|" + myInfo)
	}
	infoBuf.WriteRune('|')
	infoBuf.WriteString(v.request.channel.TransactionID().String())

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	output := make([]byte, 6)
	_, err = reader.Read(output)
	return output, err
}

func (v *SASVerifier) macHKDF(senderUser id.UserID, senderDevice id.DeviceID, receivingUser id.UserID, receivingDevice id.DeviceID, keyID, key string) ([]byte, error) {
	v.lock.Lock()
	ephemeralKey := v.ephemeralKey
	theirPublicKey := v.theirPublicKey
	macMethod := v.macMethod
	v.lock.Unlock()
	sharedSecret, err := ephemeralKey.ECDH(theirPublicKey)
	if err != nil {
		return nil, err
	}

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	infoBuf.WriteString(senderUser.String())
	infoBuf.WriteString(senderDevice.String())
	infoBuf.WriteString(receivingUser.String())
	infoBuf.WriteString(receivingDevice.String())
	infoBuf.WriteString(v.request.channel.TransactionID().String())
	infoBuf.WriteString(keyID)

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	macKey := make([]byte, 32)
	if _, err = reader.Read(macKey); err != nil {
		return nil, err
	}

	hash := hmac.New(sha256.New, macKey)
	hash.Write([]byte(key))
	sum := hash.Sum(nil)
	if macMethod == event.MACMethodHKDFHMACSHA256 {
		// The old MAC method re-decodes libolm's buggy base64 serialization.
		sum, err = base64.RawStdEncoding.DecodeString(brokenB64Encode(sum))
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// brokenB64Encode implements the incorrect base64 serialization in libolm
// for the hkdf-hmac-sha256 MAC method. The bug is caused by the input and
// output buffers aliasing each other during the encoding, and this function
// is narrowly scoped to it: the input must be 32 bytes.
//
// See https://github.com/matrix-org/matrix-spec-proposals/pull/3783 for
// details.
func brokenB64Encode(input []byte) string {
	const encodeBase64 = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])
		value <<= 8
		value |= int32(output[pos+1])
		value <<= 8
		value |= int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the base64 encoding.
	value := int32(output[pos])
	value <<= 8
	value |= int32(output[pos+1])
	value <<= 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}

var allEmojis = []rune{
	'🐶', '🐱', '🦁', '🐎', '🦄', '🐷', '🐘', '🐰',
	'🐼', '🐓', '🐧', '🐢', '🐟', '🐙', '🦋', '🌷',
	'🌳', '🌵', '🍄', '🌏', '🌙', '☁', '🔥', '🍌',
	'🍎', '🍓', '🌽', '🍕', '🎂', '❤', '😀', '🤖',
	'🎩', '👓', '🔧', '🎅', '👍', '☂', '⌛', '⏰',
	'🎁', '💡', '📕', '✏', '📎', '✂', '🔒', '🔑',
	'🔨', '☎', '🏁', '🚂', '🚲', '✈', '🚀', '🏆',
	'⚽', '🎸', '🎺', '🔔', '⚓', '🎧', '📁', '📌',
}
