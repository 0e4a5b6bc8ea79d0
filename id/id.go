// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"encoding/base64"

	"github.com/rs/xid"
)

// A UserID is a string starting with @ that references a specific user.
// https://matrix.org/docs/spec/appendices#user-identifiers
type UserID string

// A RoomID is a string starting with ! that references a specific room.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type RoomID string

// An EventID is a string starting with $ that references a specific event.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A KeyID is a string usually formatted as <algorithm>:<device_id> that is
// used as the key in deviceid-key mappings.
type KeyID string

// A VerificationTransactionID is an arbitrary string that identifies a
// single interactive verification attempt. For in-room verification it is
// the event ID of the request message, for to-device verification it is a
// randomly generated opaque string.
type VerificationTransactionID string

// NewVerificationTransactionID generates a random transaction ID for
// to-device verification flows.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(xid.New().String())
}

// Ed25519 is the base64 representation of an ed25519 public key.
type Ed25519 string

// Curve25519 is the base64 representation of a curve25519 public key.
type Curve25519 string

// KeyAlgorithm is the identifier of a key signing algorithm.
type KeyAlgorithm string

const (
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
)

func NewKeyID(algorithm KeyAlgorithm, keyID string) KeyID {
	return KeyID(string(algorithm) + ":" + keyID)
}

// Parse parses the key ID into the algorithm and the key name.
func (keyID KeyID) Parse() (KeyAlgorithm, string) {
	for i := 0; i < len(keyID); i++ {
		if keyID[i] == ':' {
			return KeyAlgorithm(keyID[:i]), string(keyID[i+1:])
		}
	}
	return "", string(keyID)
}

func (userID UserID) String() string {
	return string(userID)
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (keyID KeyID) String() string {
	return string(keyID)
}

func (txnID VerificationTransactionID) String() string {
	return string(txnID)
}

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Bytes decodes the unpadded base64 representation of the key. Invalid
// encodings yield nil.
func (ed25519 Ed25519) Bytes() []byte {
	decoded, err := base64.RawStdEncoding.DecodeString(string(ed25519))
	if err != nil {
		return nil
	}
	return decoded
}

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}
