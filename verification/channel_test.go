// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

func TestToDeviceChannel_SendFramesTransactionID(t *testing.T) {
	var sentRaw json.RawMessage
	var sentKind event.Kind
	channel := NewToDeviceChannel("@carol:example.com", "BBBB", "txn-id", func(ctx context.Context, to id.UserID, device id.DeviceID, kind event.Kind, raw json.RawMessage) error {
		sentKind = kind
		sentRaw = raw
		assert.Equal(t, id.UserID("@carol:example.com"), to)
		assert.Equal(t, id.DeviceID("BBBB"), device)
		return nil
	})

	err := channel.Send(context.Background(), event.KindReady, &event.VerificationReadyEventContent{
		FromDevice: "AAAA",
		Methods:    []event.VerificationMethod{event.VerificationMethodSAS},
	})
	require.NoError(t, err)
	assert.Equal(t, event.KindReady, sentKind)
	assert.Equal(t, "txn-id", gjson.GetBytes(sentRaw, "transaction_id").Str)
	assert.Equal(t, "AAAA", gjson.GetBytes(sentRaw, "from_device").Str)
}

func TestToDeviceChannel_GeneratesTransactionID(t *testing.T) {
	channel := NewToDeviceChannel("@carol:example.com", "", "", nil)
	assert.NotEmpty(t, channel.TransactionID())
}

func TestToDeviceChannel_TimestampFromContent(t *testing.T) {
	channel := NewToDeviceChannel("@carol:example.com", "", "txn", nil)
	origin := time.Unix(1700000000, 0)
	received := origin.Add(5 * time.Minute)

	evt := &event.Event{
		Kind:      event.KindRequest,
		Timestamp: received,
		Content: &event.VerificationRequestEventContent{
			FromDevice: "BBBB",
			Methods:    []event.VerificationMethod{event.VerificationMethodSAS},
			Timestamp:  jsontime.UM(origin),
		},
	}
	assert.Equal(t, origin.UnixMilli(), channel.Timestamp(evt).UnixMilli())

	// Non-request messages fall back to the delivery timestamp.
	evt = &event.Event{Kind: event.KindReady, Timestamp: received, Content: &event.VerificationReadyEventContent{}}
	assert.Equal(t, received, channel.Timestamp(evt))
}

func TestToDeviceChannel_CanCreateRequestWith(t *testing.T) {
	channel := NewToDeviceChannel("@carol:example.com", "", "txn", nil)
	assert.True(t, channel.CanCreateRequestWith(event.KindRequest))
	assert.True(t, channel.CanCreateRequestWith(event.KindStart))
	assert.False(t, channel.CanCreateRequestWith(event.KindReady))
	assert.False(t, channel.ReceiveStartFromOtherDevices())
	assert.False(t, channel.EchoesSentMessages())
}

func TestInRoomChannel_SendAddsRelation(t *testing.T) {
	var sentRaw json.RawMessage
	channel := NewInRoomChannel("!room:example.com", "@dave:example.com", "$request-event", func(ctx context.Context, roomID id.RoomID, kind event.Kind, raw json.RawMessage) (id.EventID, error) {
		sentRaw = raw
		assert.Equal(t, id.RoomID("!room:example.com"), roomID)
		return "$new-event", nil
	})

	err := channel.Send(context.Background(), event.KindReady, &event.VerificationReadyEventContent{FromDevice: "AAAA"})
	require.NoError(t, err)
	assert.Equal(t, "m.reference", gjson.GetBytes(sentRaw, `m\.relates_to.rel_type`).Str)
	assert.Equal(t, "$request-event", gjson.GetBytes(sentRaw, `m\.relates_to.event_id`).Str)
}

func TestInRoomChannel_RequestEventBecomesTransactionID(t *testing.T) {
	channel := NewInRoomChannel("!room:example.com", "@dave:example.com", "", func(ctx context.Context, roomID id.RoomID, kind event.Kind, raw json.RawMessage) (id.EventID, error) {
		// The request itself must not relate to anything.
		assert.False(t, gjson.GetBytes(raw, `m\.relates_to`).Exists())
		return "$request-event", nil
	})

	err := channel.Send(context.Background(), event.KindRequest, &event.VerificationRequestEventContent{FromDevice: "AAAA"})
	require.NoError(t, err)
	assert.Equal(t, id.VerificationTransactionID("$request-event"), channel.TransactionID())
	assert.True(t, channel.ReceiveStartFromOtherDevices())
	assert.True(t, channel.EchoesSentMessages())
	assert.True(t, channel.CanCreateRequestWith(event.KindRequest))
	assert.False(t, channel.CanCreateRequestWith(event.KindStart))
}

func TestTransactionIDFromRaw(t *testing.T) {
	assert.Equal(t, id.VerificationTransactionID("txn"),
		TransactionIDFromRaw("$evt", json.RawMessage(`{"transaction_id":"txn"}`)))
	assert.Equal(t, id.VerificationTransactionID("$req"),
		TransactionIDFromRaw("$evt", json.RawMessage(`{"m.relates_to":{"rel_type":"m.reference","event_id":"$req"}}`)))
	assert.Equal(t, id.VerificationTransactionID("$evt"),
		TransactionIDFromRaw("$evt", json.RawMessage(`{"from_device":"AAAA"}`)))
}
