// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/random"

	"go.mau.fi/keyverify/id"
)

var (
	ErrInvalidQRCodeHeader  = errors.New("invalid QR code header")
	ErrUnknownQRCodeVersion = errors.New("unknown QR code version")
	ErrInvalidQRCodeMode    = errors.New("invalid QR code mode")
	ErrQRCodeTruncated      = errors.New("QR code payload is truncated")
)

// qrCodeVersion is the only binary payload version this implementation
// understands.
const qrCodeVersion = 0x02

// qrCodeSharedSecretLength is the length of the shared secret embedded in
// generated QR codes. Scanned codes may carry longer secrets.
const qrCodeSharedSecretLength = 16

type QRCodeMode byte

const (
	// QRCodeModeCrossSigning is used when verifying another user.
	QRCodeModeCrossSigning QRCodeMode = 0x00
	// QRCodeModeSelfVerifyingMasterKeyTrusted is used when verifying one of
	// our own devices and this device trusts the master key.
	QRCodeModeSelfVerifyingMasterKeyTrusted QRCodeMode = 0x01
	// QRCodeModeSelfVerifyingMasterKeyUntrusted is used when verifying one
	// of our own devices and this device does not yet trust the master key.
	QRCodeModeSelfVerifyingMasterKeyUntrusted QRCodeMode = 0x02
)

// QRCodeData is the binary payload shown as a QR code: the mode, the
// transaction it belongs to, the two keys being attested, and a random
// shared secret that the scanning device echoes back in its reciprocate
// start message as proof of the scan.
type QRCodeData struct {
	Mode          QRCodeMode
	TransactionID id.VerificationTransactionID
	Key1, Key2    [32]byte
	SharedSecret  []byte
}

func NewQRCodeData(mode QRCodeMode, txnID id.VerificationTransactionID, key1, key2 [32]byte) *QRCodeData {
	return &QRCodeData{
		Mode:          mode,
		TransactionID: txnID,
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  random.Bytes(qrCodeSharedSecretLength),
	}
}

// ParseQRCodeData parses the bytes from a QR code scan.
func ParseQRCodeData(data []byte) (*QRCodeData, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, []byte("MATRIX")) {
		return nil, ErrInvalidQRCodeHeader
	}
	if data[6] != qrCodeVersion {
		return nil, ErrUnknownQRCodeVersion
	}
	mode := QRCodeMode(data[7])
	switch mode {
	case QRCodeModeCrossSigning, QRCodeModeSelfVerifyingMasterKeyTrusted, QRCodeModeSelfVerifyingMasterKeyUntrusted:
	default:
		return nil, ErrInvalidQRCodeMode
	}
	transactionIDLength := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) < 10+transactionIDLength+64 {
		return nil, ErrQRCodeTruncated
	}
	transactionID := data[10 : 10+transactionIDLength]

	var key1, key2 [32]byte
	copy(key1[:], data[10+transactionIDLength:10+transactionIDLength+32])
	copy(key2[:], data[10+transactionIDLength+32:10+transactionIDLength+64])

	return &QRCodeData{
		Mode:          mode,
		TransactionID: id.VerificationTransactionID(transactionID),
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  data[10+transactionIDLength+64:],
	}, nil
}

// Bytes returns the binary payload to encode in the QR code.
func (q *QRCodeData) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("MATRIX")
	buf.WriteByte(qrCodeVersion)
	buf.WriteByte(byte(q.Mode))

	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(q.TransactionID.String()))))
	buf.WriteString(q.TransactionID.String())

	buf.Write(q.Key1[:])
	buf.Write(q.Key2[:])
	buf.Write(q.SharedSecret)
	return buf.Bytes()
}

// Image renders the payload as a PNG QR code image of the given size in
// pixels.
func (q *QRCodeData) Image(size int) ([]byte, error) {
	return qrcode.Encode(string(q.Bytes()), qrcode.Low, size)
}

// generateQRCodeData builds the QR payload for the current transaction. The
// mode and the keys it commits to depend on whether the other party is the
// same user and on whether this device trusts its own master key.
func generateQRCodeData(ctx context.Context, backend CryptoBackend, ourUser, theirUser id.UserID, theirDevice id.DeviceID, txnID id.VerificationTransactionID) (*QRCodeData, error) {
	ownMasterKey, err := backend.OwnMasterKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get own master key: %w", err)
	} else if ownMasterKey == "" {
		return nil, errors.New("no cross-signing master key available")
	}
	ownMasterKeyTrusted, err := backend.IsOwnMasterKeyTrusted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check master key trust: %w", err)
	}

	mode := QRCodeModeCrossSigning
	if ourUser == theirUser {
		if ownMasterKeyTrusted {
			mode = QRCodeModeSelfVerifyingMasterKeyTrusted
		} else {
			mode = QRCodeModeSelfVerifyingMasterKeyUntrusted
		}
	} else if !ownMasterKeyTrusted {
		return nil, errors.New("cannot cross-sign another user when own master key is not trusted")
	}

	var key1, key2 []byte
	switch mode {
	case QRCodeModeCrossSigning:
		// Key 1 is our master key, key 2 is the other user's master key.
		key1 = ownMasterKey.Bytes()
		theirMasterKey, err := backend.MasterKey(ctx, theirUser)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s's master key: %w", theirUser, err)
		}
		key2 = theirMasterKey.Bytes()
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		// Key 1 is the master key, key 2 is the other device's key.
		key1 = ownMasterKey.Bytes()
		device, err := backend.GetDevice(ctx, theirUser, theirDevice)
		if err != nil {
			return nil, fmt.Errorf("failed to get device %s/%s: %w", theirUser, theirDevice, err)
		}
		key2 = device.SigningKey.Bytes()
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		// Key 1 is this device's key, key 2 is the untrusted master key.
		ownDevice, err := backend.OwnDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get own device: %w", err)
		}
		key1 = ownDevice.SigningKey.Bytes()
		key2 = ownMasterKey.Bytes()
	}
	if len(key1) != 32 || len(key2) != 32 {
		return nil, errors.New("key material has unexpected length")
	}

	return NewQRCodeData(mode, txnID, [32]byte(key1), [32]byte(key2)), nil
}
