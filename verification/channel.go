// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// Channel abstracts how verification protocol messages are delivered:
// either as to-device messages or as events in a shared room timeline.
type Channel interface {
	// UserID is the other party of the verification.
	UserID() id.UserID
	// DeviceID is the other party's target device. Empty until resolved
	// from the first from_device field seen.
	DeviceID() id.DeviceID
	// SetDeviceID records the resolved target device.
	SetDeviceID(deviceID id.DeviceID)
	// RoomID is the room the verification is happening in, or empty for
	// to-device verification.
	RoomID() id.RoomID
	// TransactionID identifies the verification attempt on the wire.
	TransactionID() id.VerificationTransactionID
	// Timestamp extracts the origin timestamp of a received message.
	Timestamp(evt *event.Event) time.Time
	// Send frames and delivers a protocol message to the other party.
	Send(ctx context.Context, kind event.Kind, content any) error
	// CanCreateRequestWith reports whether this transport permits opening
	// a verification with the given message kind.
	CanCreateRequestWith(kind event.Kind) bool
	// ReceiveStartFromOtherDevices is true on shared-conversation
	// transports, where the user's sibling devices observe the exchange.
	ReceiveStartFromOtherDevices() bool
	// EchoesSentMessages is true when the transport delivers our own sends
	// back to us as remote echoes. When false, the request synthesizes a
	// local echo after each successful send.
	EchoesSentMessages() bool
}

// ToDeviceSendFunc delivers a framed to-device message. An empty device ID
// means the message should be fanned out to all of the user's devices.
type ToDeviceSendFunc func(ctx context.Context, to id.UserID, device id.DeviceID, kind event.Kind, content json.RawMessage) error

// RoomSendFunc delivers a framed message into a room timeline and returns
// the resulting event ID.
type RoomSendFunc func(ctx context.Context, roomID id.RoomID, kind event.Kind, content json.RawMessage) (id.EventID, error)

// ToDeviceChannel delivers verification messages directly to the other
// party's devices, framed with an explicit transaction_id.
type ToDeviceChannel struct {
	otherUser   id.UserID
	otherDevice id.DeviceID
	txnID       id.VerificationTransactionID
	send        ToDeviceSendFunc
}

var _ Channel = (*ToDeviceChannel)(nil)

// NewToDeviceChannel creates a channel for to-device verification. An empty
// transaction ID generates a fresh one (outbound requests); inbound
// requests must reuse the peer-supplied ID.
func NewToDeviceChannel(otherUser id.UserID, otherDevice id.DeviceID, txnID id.VerificationTransactionID, send ToDeviceSendFunc) *ToDeviceChannel {
	if txnID == "" {
		txnID = id.NewVerificationTransactionID()
	}
	return &ToDeviceChannel{
		otherUser:   otherUser,
		otherDevice: otherDevice,
		txnID:       txnID,
		send:        send,
	}
}

func (tdc *ToDeviceChannel) UserID() id.UserID { return tdc.otherUser }
func (tdc *ToDeviceChannel) DeviceID() id.DeviceID {
	return tdc.otherDevice
}
func (tdc *ToDeviceChannel) SetDeviceID(deviceID id.DeviceID) { tdc.otherDevice = deviceID }
func (tdc *ToDeviceChannel) RoomID() id.RoomID                { return "" }
func (tdc *ToDeviceChannel) TransactionID() id.VerificationTransactionID {
	return tdc.txnID
}

func (tdc *ToDeviceChannel) Timestamp(evt *event.Event) time.Time {
	// To-device requests carry their own timestamp field, since to-device
	// messages have no server timestamp.
	if request := evt.Request(); request != nil && !request.Timestamp.IsZero() {
		return request.Timestamp.Time
	}
	return evt.Timestamp
}

func (tdc *ToDeviceChannel) Send(ctx context.Context, kind event.Kind, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal %s content: %w", kind, err)
	}
	raw, err = sjson.SetBytes(raw, "transaction_id", tdc.txnID.String())
	if err != nil {
		return fmt.Errorf("failed to set transaction ID: %w", err)
	}
	return tdc.send(ctx, tdc.otherUser, tdc.otherDevice, kind, raw)
}

func (tdc *ToDeviceChannel) CanCreateRequestWith(kind event.Kind) bool {
	// Direct device messaging permits starting without a prior request.
	return kind == event.KindRequest || kind == event.KindStart
}

func (tdc *ToDeviceChannel) ReceiveStartFromOtherDevices() bool { return false }
func (tdc *ToDeviceChannel) EchoesSentMessages() bool           { return false }

// InRoomChannel delivers verification messages as events in a shared room,
// framed with an m.relates_to reference back to the request event.
type InRoomChannel struct {
	roomID      id.RoomID
	otherUser   id.UserID
	otherDevice id.DeviceID
	txnID       id.VerificationTransactionID
	send        RoomSendFunc
}

var _ Channel = (*InRoomChannel)(nil)

// NewInRoomChannel creates a channel for in-room verification. The
// transaction ID is the event ID of the request message; leave it empty
// when this side is about to send the request.
func NewInRoomChannel(roomID id.RoomID, otherUser id.UserID, txnID id.VerificationTransactionID, send RoomSendFunc) *InRoomChannel {
	return &InRoomChannel{
		roomID:    roomID,
		otherUser: otherUser,
		txnID:     txnID,
		send:      send,
	}
}

func (irc *InRoomChannel) UserID() id.UserID                { return irc.otherUser }
func (irc *InRoomChannel) DeviceID() id.DeviceID            { return irc.otherDevice }
func (irc *InRoomChannel) SetDeviceID(deviceID id.DeviceID) { irc.otherDevice = deviceID }
func (irc *InRoomChannel) RoomID() id.RoomID                { return irc.roomID }
func (irc *InRoomChannel) TransactionID() id.VerificationTransactionID {
	return irc.txnID
}

func (irc *InRoomChannel) Timestamp(evt *event.Event) time.Time {
	return evt.Timestamp
}

func (irc *InRoomChannel) Send(ctx context.Context, kind event.Kind, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal %s content: %w", kind, err)
	}
	if kind != event.KindRequest {
		raw, err = sjson.SetBytes(raw, "m.relates_to", map[string]any{
			"rel_type": "m.reference",
			"event_id": irc.txnID.String(),
		})
		if err != nil {
			return fmt.Errorf("failed to set relation: %w", err)
		}
	}
	eventID, err := irc.send(ctx, irc.roomID, kind, raw)
	if err != nil {
		return err
	}
	if kind == event.KindRequest && irc.txnID == "" {
		irc.txnID = id.VerificationTransactionID(eventID)
	}
	return nil
}

func (irc *InRoomChannel) CanCreateRequestWith(kind event.Kind) bool {
	return kind == event.KindRequest
}

func (irc *InRoomChannel) ReceiveStartFromOtherDevices() bool { return true }
func (irc *InRoomChannel) EchoesSentMessages() bool           { return true }

// TransactionIDFromRaw extracts the transaction ID from raw message
// content: the explicit transaction_id field for to-device messages, the
// m.relates_to reference for in-room messages, and finally the event's own
// ID for in-room request messages.
func TransactionIDFromRaw(eventID id.EventID, raw json.RawMessage) id.VerificationTransactionID {
	if txnID := gjson.GetBytes(raw, "transaction_id"); txnID.Exists() {
		return id.VerificationTransactionID(txnID.Str)
	}
	if relatesTo := gjson.GetBytes(raw, `m\.relates_to.event_id`); relatesTo.Exists() {
		return id.VerificationTransactionID(relatesTo.Str)
	}
	return id.VerificationTransactionID(eventID)
}
