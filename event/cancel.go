// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"fmt"
)

// CancelCode is a machine-readable reason for cancelling a verification.
type CancelCode string

const (
	CancelCodeUser               CancelCode = "m.user"
	CancelCodeTimeout            CancelCode = "m.timeout"
	CancelCodeUnknownTransaction CancelCode = "m.unknown_transaction"
	CancelCodeUnknownMethod      CancelCode = "m.unknown_method"
	CancelCodeUnexpectedMessage  CancelCode = "m.unexpected_message"
	CancelCodeKeyMismatch        CancelCode = "m.key_mismatch"
	CancelCodeUserMismatch       CancelCode = "m.user_mismatch"
	CancelCodeInvalidMessage     CancelCode = "m.invalid_message"
	CancelCodeAccepted           CancelCode = "m.accepted"
	CancelCodeMismatchedSAS      CancelCode = "m.mismatched_sas"
)

var cancelReasons = map[CancelCode]string{
	CancelCodeUser:               "The user cancelled the verification.",
	CancelCodeTimeout:            "The verification process timed out.",
	CancelCodeUnknownTransaction: "The device does not know about the given transaction ID.",
	CancelCodeUnknownMethod:      "The device does not know how to handle the requested method.",
	CancelCodeUnexpectedMessage:  "The device received an unexpected message.",
	CancelCodeKeyMismatch:        "The key was not verified.",
	CancelCodeUserMismatch:       "The expected user did not match the user verified.",
	CancelCodeInvalidMessage:     "The device received an invalid message.",
	CancelCodeAccepted:           "The verification was accepted on another device.",
	CancelCodeMismatchedSAS:      "The short authentication string did not match.",
}

// DefaultReason returns the canonical human-readable text for the code, or
// a generic fallback for codes outside of the catalog.
func (code CancelCode) DefaultReason() string {
	if reason, ok := cancelReasons[code]; ok {
		return reason
	}
	return "The verification was cancelled."
}

func (code CancelCode) String() string {
	return string(code)
}

// NewCancelEventContent builds a cancellation message with the given code.
// An empty reason is replaced by the catalog text for the code.
func NewCancelEventContent(code CancelCode, reason string) *VerificationCancelEventContent {
	if reason == "" {
		reason = code.DefaultReason()
	}
	return &VerificationCancelEventContent{Code: code, Reason: reason}
}

// CancelledError is the typed form of a received or locally generated
// cancellation, propagated to anything waiting on the verification.
type CancelledError struct {
	Code   CancelCode
	Reason string
}

func (err *CancelledError) Error() string {
	return fmt.Sprintf("verification cancelled (%s): %s", err.Code, err.Reason)
}

func (err *CancelledError) Is(other error) bool {
	otherCancel, ok := other.(*CancelledError)
	return ok && otherCancel.Code == err.Code
}

// AsError maps a received cancellation message back to a typed error.
func (vcec *VerificationCancelEventContent) AsError() *CancelledError {
	reason := vcec.Reason
	if reason == "" {
		reason = vcec.Code.DefaultReason()
	}
	return &CancelledError{Code: vcec.Code, Reason: reason}
}
