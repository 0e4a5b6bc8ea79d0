// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/keyverify/id"
)

// Event is a single verification protocol message as surfaced by the
// transport. Content is one of the Verification*EventContent types matching
// the kind; Raw holds the undecoded content for transports that need it.
type Event struct {
	Kind      Kind
	Sender    id.UserID
	Timestamp time.Time
	Content   any
	Raw       json.RawMessage
}

// Request, Ready and similar accessors return the typed content of the
// event, or nil if the event is of a different kind.

func (evt *Event) Request() *VerificationRequestEventContent {
	content, _ := evt.Content.(*VerificationRequestEventContent)
	return content
}

func (evt *Event) Ready() *VerificationReadyEventContent {
	content, _ := evt.Content.(*VerificationReadyEventContent)
	return content
}

func (evt *Event) Start() *VerificationStartEventContent {
	content, _ := evt.Content.(*VerificationStartEventContent)
	return content
}

func (evt *Event) Accept() *VerificationAcceptEventContent {
	content, _ := evt.Content.(*VerificationAcceptEventContent)
	return content
}

func (evt *Event) Key() *VerificationKeyEventContent {
	content, _ := evt.Content.(*VerificationKeyEventContent)
	return content
}

func (evt *Event) MAC() *VerificationMACEventContent {
	content, _ := evt.Content.(*VerificationMACEventContent)
	return content
}

func (evt *Event) Cancel() *VerificationCancelEventContent {
	content, _ := evt.Content.(*VerificationCancelEventContent)
	return content
}

func (evt *Event) Done() *VerificationDoneEventContent {
	content, _ := evt.Content.(*VerificationDoneEventContent)
	return content
}

// FromDevice returns the originating device ID carried by the content, or
// empty for kinds that don't carry one.
func (evt *Event) FromDevice() id.DeviceID {
	switch content := evt.Content.(type) {
	case *VerificationRequestEventContent:
		return content.FromDevice
	case *VerificationReadyEventContent:
		return content.FromDevice
	case *VerificationStartEventContent:
		return content.FromDevice
	}
	return ""
}

// Methods returns the supported method list carried by request and ready
// contents.
func (evt *Event) Methods() []VerificationMethod {
	switch content := evt.Content.(type) {
	case *VerificationRequestEventContent:
		return content.Methods
	case *VerificationReadyEventContent:
		return content.Methods
	}
	return nil
}

// ParseContent decodes raw message content into the typed content struct
// for the given kind.
func ParseContent(kind Kind, raw json.RawMessage) (any, error) {
	var content any
	switch kind {
	case KindRequest:
		content = &VerificationRequestEventContent{}
	case KindReady:
		content = &VerificationReadyEventContent{}
	case KindStart:
		content = &VerificationStartEventContent{}
	case KindAccept:
		content = &VerificationAcceptEventContent{}
	case KindKey:
		content = &VerificationKeyEventContent{}
	case KindMAC:
		content = &VerificationMACEventContent{}
	case KindCancel:
		content = &VerificationCancelEventContent{}
	case KindDone:
		content = &VerificationDoneEventContent{}
	default:
		return nil, fmt.Errorf("unknown verification message type %s", kind)
	}
	if err := json.Unmarshal(raw, content); err != nil {
		return nil, fmt.Errorf("failed to parse %s content: %w", kind, err)
	}
	return content, nil
}
