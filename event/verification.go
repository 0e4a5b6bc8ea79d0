// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"go.mau.fi/keyverify/id"
)

// Kind is the type of a verification protocol message. The vocabulary is
// closed: anything outside of it is not a verification message.
type Kind string

const (
	KindRequest Kind = "m.key.verification.request"
	KindReady   Kind = "m.key.verification.ready"
	KindStart   Kind = "m.key.verification.start"
	KindAccept  Kind = "m.key.verification.accept"
	KindKey     Kind = "m.key.verification.key"
	KindMAC     Kind = "m.key.verification.mac"
	KindCancel  Kind = "m.key.verification.cancel"
	KindDone    Kind = "m.key.verification.done"
)

var AllKinds = []Kind{
	KindRequest, KindReady, KindStart, KindAccept,
	KindKey, KindMAC, KindCancel, KindDone,
}

// IsVerificationKind reports whether the given message type belongs to the
// verification protocol vocabulary.
func IsVerificationKind(kind Kind) bool {
	return slices.Contains(AllKinds, kind)
}

func (kind Kind) String() string {
	return string(kind)
}

type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256   MACMethod = "hkdf-hmac-sha256"
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationRequestEventContent is the content of a
// m.key.verification.request message.
type VerificationRequestEventContent struct {
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time at which the request was made. Only set for
	// to-device verification; in-room requests take their timestamp from
	// the timeline event.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`
}

// VerificationReadyEventContent is the content of a
// m.key.verification.ready message.
type VerificationReadyEventContent struct {
	// FromDevice is the device ID which accepted the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

// VerificationStartEventContent is the content of a
// m.key.verification.start message.
type VerificationStartEventContent struct {
	// FromDevice is the device ID which is starting the verification.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`
	// NextMethod is the method to use to verify the other user's key once
	// the QR code has been scanned. Must be m.reciprocate.v1.
	NextMethod VerificationMethod `json:"next_method,omitempty"`
	// Secret is the shared secret from the QR code. Only present when
	// Method is m.reciprocate.v1.
	Secret jsonbytes.UnpaddedBytes `json:"secret,omitempty"`

	// The remaining fields are only present when Method is m.sas.v1.

	Hashes                     []VerificationHashMethod `json:"hashes,omitempty"`
	KeyAgreementProtocols      []KeyAgreementProtocol   `json:"key_agreement_protocols,omitempty"`
	MessageAuthenticationCodes []MACMethod              `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []SASMethod              `json:"short_authentication_string,omitempty"`
}

func (vsec *VerificationStartEventContent) SupportsKeyAgreementProtocol(proto KeyAgreementProtocol) bool {
	return slices.Contains(vsec.KeyAgreementProtocols, proto)
}

func (vsec *VerificationStartEventContent) SupportsHashMethod(method VerificationHashMethod) bool {
	return slices.Contains(vsec.Hashes, method)
}

func (vsec *VerificationStartEventContent) SupportsMACMethod(method MACMethod) bool {
	return slices.Contains(vsec.MessageAuthenticationCodes, method)
}

func (vsec *VerificationStartEventContent) SupportsSASMethod(method SASMethod) bool {
	return slices.Contains(vsec.ShortAuthenticationString, method)
}

// VerificationAcceptEventContent is the content of a
// m.key.verification.accept message.
type VerificationAcceptEventContent struct {
	// Commitment is the hash of the other device's ephemeral public key and
	// the canonicalized start message content.
	Commitment jsonbytes.UnpaddedBytes `json:"commitment"`
	// Hash is the hash method the device is choosing to use.
	Hash VerificationHashMethod `json:"hash"`
	// KeyAgreementProtocol is the key agreement protocol the device is
	// choosing to use.
	KeyAgreementProtocol KeyAgreementProtocol `json:"key_agreement_protocol"`
	// MessageAuthenticationCode is the MAC method the device is choosing to
	// use.
	MessageAuthenticationCode MACMethod `json:"message_authentication_code"`
	// ShortAuthenticationString is a list of SAS presentation methods both
	// devices can use.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

// VerificationKeyEventContent is the content of a m.key.verification.key
// message.
type VerificationKeyEventContent struct {
	// Key is the device's ephemeral public key.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

// VerificationMACEventContent is the content of a m.key.verification.mac
// message.
type VerificationMACEventContent struct {
	// Keys is the MAC of the comma-separated, sorted list of key IDs given
	// in the MAC property.
	Keys jsonbytes.UnpaddedBytes `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key.
	MAC map[id.KeyID]jsonbytes.UnpaddedBytes `json:"mac"`
}

// VerificationCancelEventContent is the content of a
// m.key.verification.cancel message.
type VerificationCancelEventContent struct {
	// Code is the machine-readable reason for cancelling the verification.
	Code CancelCode `json:"code"`
	// Reason is the human-readable reason for cancelling the verification.
	Reason string `json:"reason"`
}

// VerificationDoneEventContent is the content of a m.key.verification.done
// message.
type VerificationDoneEventContent struct{}
