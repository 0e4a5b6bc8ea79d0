// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"

	"go.mau.fi/keyverify/id"
)

// ErrDeviceNotFound is returned by CryptoBackend implementations when a
// device is not present in local storage.
var ErrDeviceNotFound = errors.New("device not found")

// Device is the public identity of a single device as known to the local
// key store.
type Device struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	// SigningKey is the device's ed25519 fingerprint key.
	SigningKey id.Ed25519
	// IdentityKey is the device's curve25519 identity key.
	IdentityKey id.Curve25519
}

// CryptoBackend is the opaque key-storage and signing capability consumed
// by the verification engine. Key agreement for the SAS exchange itself is
// handled inside the verifier; everything touching long-term keys and trust
// goes through here.
type CryptoBackend interface {
	// OwnDevice returns this device's identity.
	OwnDevice(ctx context.Context) (*Device, error)
	// GetDevice returns the identity of another device, or
	// ErrDeviceNotFound if it is not known to local storage.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)

	// OwnMasterKey returns the current user's cross-signing master public
	// key, or empty if no cross-signing identity exists.
	OwnMasterKey(ctx context.Context) (id.Ed25519, error)
	// MasterKey returns the given user's cross-signing master public key.
	MasterKey(ctx context.Context, userID id.UserID) (id.Ed25519, error)
	// IsOwnMasterKeyTrusted reports whether this device has signed (and
	// therefore trusts) the current user's master key.
	IsOwnMasterKeyTrusted(ctx context.Context) (bool, error)

	// MarkDeviceVerified records that the given device's keys have been
	// verified and cross-signs it when possible.
	MarkDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	// MarkUserVerified records that the given user's master key has been
	// verified and signs it with our user-signing key.
	MarkUserVerified(ctx context.Context, userID id.UserID) error
	// MarkOwnMasterKeyTrusted records that our own master key has been
	// confirmed by the device with the given ID.
	MarkOwnMasterKeyTrusted(ctx context.Context, verifiedBy id.DeviceID) error
}
