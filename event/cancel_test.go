// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/keyverify/event"
)

func TestCancelCode_DefaultReason(t *testing.T) {
	assert.Equal(t, "The verification process timed out.", event.CancelCodeTimeout.DefaultReason())
	assert.Equal(t, "The verification was cancelled.", event.CancelCode("com.example.custom").DefaultReason())
}

func TestNewCancelEventContent(t *testing.T) {
	content := event.NewCancelEventContent(event.CancelCodeUser, "")
	assert.Equal(t, event.CancelCodeUser, content.Code)
	assert.Equal(t, "The user cancelled the verification.", content.Reason)

	content = event.NewCancelEventContent(event.CancelCodeUser, "custom reason")
	assert.Equal(t, "custom reason", content.Reason)
}

func TestCancelledError_Is(t *testing.T) {
	content := event.NewCancelEventContent(event.CancelCodeMismatchedSAS, "")
	err := content.AsError()

	wrapped := fmt.Errorf("verification failed: %w", err)
	assert.ErrorIs(t, wrapped, &event.CancelledError{Code: event.CancelCodeMismatchedSAS})
	assert.NotErrorIs(t, wrapped, &event.CancelledError{Code: event.CancelCodeTimeout})

	var cancelled *event.CancelledError
	require.True(t, errors.As(wrapped, &cancelled))
	assert.Equal(t, event.CancelCodeMismatchedSAS, cancelled.Code)
	assert.Contains(t, cancelled.Error(), "m.mismatched_sas")
}

func TestParseContent(t *testing.T) {
	content, err := event.ParseContent(event.KindStart, []byte(`{
		"from_device": "AAAA",
		"method": "m.sas.v1",
		"transaction_id": "ignored",
		"key_agreement_protocols": ["curve25519-hkdf-sha256"]
	}`))
	require.NoError(t, err)
	start, ok := content.(*event.VerificationStartEventContent)
	require.True(t, ok)
	assert.Equal(t, event.VerificationMethodSAS, start.Method)
	assert.True(t, start.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256))
	assert.False(t, start.SupportsHashMethod(event.VerificationHashMethodSHA256))

	_, err = event.ParseContent("m.room.message", []byte(`{}`))
	require.Error(t, err)
}

func TestIsVerificationKind(t *testing.T) {
	for _, kind := range event.AllKinds {
		assert.True(t, event.IsVerificationKind(kind))
	}
	assert.False(t, event.IsVerificationKind("m.room.message"))
}
