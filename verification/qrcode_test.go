// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/keyverify/id"
)

func TestQRCodeData_Roundtrip(t *testing.T) {
	var key1, key2 [32]byte
	for i := range key1 {
		key1[i] = byte(i)
		key2[i] = byte(31 - i)
	}
	for _, mode := range []QRCodeMode{
		QRCodeModeCrossSigning,
		QRCodeModeSelfVerifyingMasterKeyTrusted,
		QRCodeModeSelfVerifyingMasterKeyUntrusted,
	} {
		data := NewQRCodeData(mode, "some-transaction-id", key1, key2)
		require.Len(t, data.SharedSecret, qrCodeSharedSecretLength)

		parsed, err := ParseQRCodeData(data.Bytes())
		require.NoError(t, err)
		assert.Equal(t, data, parsed)
	}
}

func TestParseQRCodeData_Errors(t *testing.T) {
	var key1, key2 [32]byte
	valid := NewQRCodeData(QRCodeModeCrossSigning, "txn", key1, key2).Bytes()

	_, err := ParseQRCodeData([]byte("MATRIX"))
	assert.ErrorIs(t, err, ErrInvalidQRCodeHeader)
	_, err = ParseQRCodeData([]byte("HELLO WORLD"))
	assert.ErrorIs(t, err, ErrInvalidQRCodeHeader)

	badVersion := append([]byte{}, valid...)
	badVersion[6] = 0x01
	_, err = ParseQRCodeData(badVersion)
	assert.ErrorIs(t, err, ErrUnknownQRCodeVersion)

	badMode := append([]byte{}, valid...)
	badMode[7] = 0x07
	_, err = ParseQRCodeData(badMode)
	assert.ErrorIs(t, err, ErrInvalidQRCodeMode)

	_, err = ParseQRCodeData(valid[:len(valid)-qrCodeSharedSecretLength-1])
	assert.ErrorIs(t, err, ErrQRCodeTruncated)
}

func TestQRCodeData_Image(t *testing.T) {
	var key1, key2 [32]byte
	data := NewQRCodeData(QRCodeModeCrossSigning, "txn", key1, key2)
	png, err := data.Image(256)
	require.NoError(t, err)
	// PNG magic header.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestGenerateQRCodeData_ModeSelection(t *testing.T) {
	ctx := context.Background()
	trusted := newTestParty(testUserID, "AAAA", 1)
	trusted.crypto.masterKeys[testUserID] = testKey(50)
	trusted.crypto.ownMasterTrusted = true
	untrusted := newTestParty(testUserID, "BBBB", 2)
	untrusted.crypto.masterKeys[testUserID] = testKey(50)
	trusted.crypto.addDevice(untrusted.crypto.own)

	data, err := generateQRCodeData(ctx, trusted.crypto, testUserID, testUserID, "BBBB", "txn")
	require.NoError(t, err)
	assert.Equal(t, QRCodeModeSelfVerifyingMasterKeyTrusted, data.Mode)
	assert.Equal(t, testKey(50).Bytes(), data.Key1[:])
	assert.Equal(t, untrusted.crypto.own.SigningKey.Bytes(), data.Key2[:])

	data, err = generateQRCodeData(ctx, untrusted.crypto, testUserID, testUserID, "AAAA", "txn")
	require.NoError(t, err)
	assert.Equal(t, QRCodeModeSelfVerifyingMasterKeyUntrusted, data.Mode)
	assert.Equal(t, untrusted.crypto.own.SigningKey.Bytes(), data.Key1[:])
	assert.Equal(t, testKey(50).Bytes(), data.Key2[:])

	otherUser := id.UserID("@dave:example.com")
	cross := newTestParty(otherUser, "DDDD", 3)
	cross.crypto.masterKeys[otherUser] = testKey(60)
	cross.crypto.masterKeys[testUserID] = testKey(50)
	cross.crypto.ownMasterTrusted = true

	data, err = generateQRCodeData(ctx, cross.crypto, otherUser, testUserID, "AAAA", "txn")
	require.NoError(t, err)
	assert.Equal(t, QRCodeModeCrossSigning, data.Mode)
	assert.Equal(t, testKey(60).Bytes(), data.Key1[:])
	assert.Equal(t, testKey(50).Bytes(), data.Key2[:])

	// Cross-signing another user requires trusting our own identity first.
	cross.crypto.ownMasterTrusted = false
	_, err = generateQRCodeData(ctx, cross.crypto, otherUser, testUserID, "AAAA", "txn")
	require.Error(t, err)
}
