// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	wasActive := !ft.stopped
	ft.stopped = true
	return wasActive
}

func (ft *fakeTimer) Reset(d time.Duration) bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()
	wasActive := !ft.stopped
	ft.stopped = false
	ft.deadline = ft.clock.now.Add(d)
	return wasActive
}

// fakeClock is a manually advanced Clock. Timers fire synchronously from
// Advance, on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	timer := &fakeTimer{clock: fc, deadline: fc.now.Add(d), fn: fn}
	fc.timers = append(fc.timers, timer)
	return timer
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	var due []*fakeTimer
	for _, timer := range fc.timers {
		if !timer.stopped && !timer.deadline.After(fc.now) {
			timer.stopped = true
			due = append(due, timer)
		}
	}
	fc.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

// fakeCrypto is an in-memory CryptoBackend shared test key store.
type fakeCrypto struct {
	mu      sync.Mutex
	own     *Device
	devices map[string]*Device

	masterKeys       map[id.UserID]id.Ed25519
	ownMasterTrusted bool

	verifiedDevices    map[string]bool
	verifiedUsers      map[id.UserID]bool
	masterKeyTrustedBy id.DeviceID
}

func newFakeCrypto(own *Device) *fakeCrypto {
	fc := &fakeCrypto{
		own:             own,
		devices:         make(map[string]*Device),
		masterKeys:      make(map[id.UserID]id.Ed25519),
		verifiedDevices: make(map[string]bool),
		verifiedUsers:   make(map[id.UserID]bool),
	}
	fc.addDevice(own)
	return fc
}

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return fmt.Sprintf("%s/%s", userID, deviceID)
}

func (fc *fakeCrypto) addDevice(device *Device) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.devices[deviceKey(device.UserID, device.DeviceID)] = device
}

func (fc *fakeCrypto) OwnDevice(ctx context.Context) (*Device, error) {
	return fc.own, nil
}

func (fc *fakeCrypto) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	device, ok := fc.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

func (fc *fakeCrypto) OwnMasterKey(ctx context.Context) (id.Ed25519, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.masterKeys[fc.own.UserID], nil
}

func (fc *fakeCrypto) MasterKey(ctx context.Context, userID id.UserID) (id.Ed25519, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.masterKeys[userID], nil
}

func (fc *fakeCrypto) IsOwnMasterKeyTrusted(ctx context.Context) (bool, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ownMasterTrusted, nil
}

func (fc *fakeCrypto) MarkDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.verifiedDevices[deviceKey(userID, deviceID)] = true
	return nil
}

func (fc *fakeCrypto) MarkUserVerified(ctx context.Context, userID id.UserID) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.verifiedUsers[userID] = true
	return nil
}

func (fc *fakeCrypto) MarkOwnMasterKeyTrusted(ctx context.Context, verifiedBy id.DeviceID) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.ownMasterTrusted = true
	fc.masterKeyTrustedBy = verifiedBy
	return nil
}

func (fc *fakeCrypto) deviceVerified(userID id.UserID, deviceID id.DeviceID) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.verifiedDevices[deviceKey(userID, deviceID)]
}

func (fc *fakeCrypto) userVerified(userID id.UserID) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.verifiedUsers[userID]
}

func testKey(seed byte) id.Ed25519 {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(raw))
}

// testParty is one side of a two-device verification exchange.
type testParty struct {
	userID   id.UserID
	deviceID id.DeviceID
	crypto   *fakeCrypto
	channel  *ToDeviceChannel
	request  *VerificationRequest

	sasShown  chan []rune
	qrScanned chan struct{}

	// sendErrs is consumed one entry per outgoing message from this party;
	// a non-nil entry fails that send without delivering anything. Once the
	// queue is drained every send goes through again.
	sendErrs []error
}

// testPair wires two parties of the same user together over a synchronous
// in-memory to-device transport sharing one clock.
type testPair struct {
	clock      *fakeClock
	alice, bob *testParty
}

const testUserID = id.UserID("@carol:example.com")

func newTestParty(userID id.UserID, deviceID id.DeviceID, signSeed byte) *testParty {
	device := &Device{
		UserID:      userID,
		DeviceID:    deviceID,
		SigningKey:  testKey(signSeed),
		IdentityKey: id.Curve25519(testKey(signSeed + 100)),
	}
	return &testParty{
		userID:    userID,
		deviceID:  deviceID,
		crypto:    newFakeCrypto(device),
		sasShown:  make(chan []rune, 1),
		qrScanned: make(chan struct{}, 1),
	}
}

func newTestPair(t *testing.T, methods ...event.VerificationMethod) *testPair {
	t.Helper()
	if len(methods) == 0 {
		methods = []event.VerificationMethod{event.VerificationMethodSAS}
	}
	pair := &testPair{
		clock: newFakeClock(),
		alice: newTestParty(testUserID, "AAAA", 1),
		bob:   newTestParty(testUserID, "BBBB", 2),
	}
	masterKey := testKey(50)
	for _, party := range []*testParty{pair.alice, pair.bob} {
		party.crypto.masterKeys[testUserID] = masterKey
	}
	// Each device knows about the other's identity but has not verified it.
	pair.alice.crypto.addDevice(pair.bob.crypto.own)
	pair.bob.crypto.addDevice(pair.alice.crypto.own)
	// The existing device trusts the cross-signing identity, the new one
	// does not yet.
	pair.alice.crypto.ownMasterTrusted = true

	txnID := id.NewVerificationTransactionID()
	pair.alice.channel = NewToDeviceChannel(testUserID, pair.bob.deviceID, txnID, pair.deliverTo(t, pair.bob))
	pair.bob.channel = NewToDeviceChannel(testUserID, "", txnID, pair.deliverTo(t, pair.alice))

	log := zerolog.Nop()
	for _, party := range []*testParty{pair.alice, pair.bob} {
		shown, scanned := party.sasShown, party.qrScanned
		party.request = NewVerificationRequest(RequestParams{
			Channel:          party.channel,
			Crypto:           party.crypto,
			Clock:            pair.clock,
			Log:              &log,
			UserID:           party.userID,
			DeviceID:         party.deviceID,
			SupportedMethods: methods,
			ShowSAS: func(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, decimals []int) {
				shown <- emojis
			},
			QRCodeScanned: func(ctx context.Context, txnID id.VerificationTransactionID) {
				scanned <- struct{}{}
			},
		})
	}
	return pair
}

// deliverTo builds the ToDeviceSendFunc that hands framed messages straight
// to the receiving party's request.
func (pair *testPair) deliverTo(t *testing.T, receiver *testParty) ToDeviceSendFunc {
	return func(ctx context.Context, to id.UserID, device id.DeviceID, kind event.Kind, raw json.RawMessage) error {
		assert.Equal(t, testUserID, to)
		sender := pair.alice
		if receiver == pair.alice {
			sender = pair.bob
		}
		if len(sender.sendErrs) > 0 {
			sendErr := sender.sendErrs[0]
			sender.sendErrs = sender.sendErrs[1:]
			if sendErr != nil {
				return sendErr
			}
		}
		content, err := event.ParseContent(kind, raw)
		if !assert.NoError(t, err) {
			return err
		}
		receiver.request.HandleEvent(ctx, &event.Event{
			Kind:      kind,
			Sender:    sender.userID,
			Timestamp: pair.clock.Now(),
			Content:   content,
			Raw:       raw,
		}, true, false, false)
		return nil
	}
}

// handshake drives the pair to the ready phase: alice requests, bob accepts.
func (pair *testPair) handshake(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, pair.alice.request.SendRequest(ctx))
	require.Equal(t, PhaseRequested, pair.alice.request.Phase())
	require.Equal(t, PhaseRequested, pair.bob.request.Phase())
	require.NoError(t, pair.bob.request.Accept(ctx))
	require.Equal(t, PhaseReady, pair.alice.request.Phase())
	require.Equal(t, PhaseReady, pair.bob.request.Phase())
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for verifier result")
		return nil
	}
}

// captureChannel records sent messages without delivering them anywhere,
// for single-party request tests.
type capturedMessage struct {
	kind event.Kind
	raw  json.RawMessage
}

func newCaptureChannel(otherUser id.UserID, otherDevice id.DeviceID) (*ToDeviceChannel, *[]capturedMessage) {
	captured := &[]capturedMessage{}
	channel := NewToDeviceChannel(otherUser, otherDevice, "capture-txn", func(ctx context.Context, to id.UserID, device id.DeviceID, kind event.Kind, raw json.RawMessage) error {
		*captured = append(*captured, capturedMessage{kind: kind, raw: raw})
		return nil
	})
	return channel, captured
}

func newCaptureRequest(t *testing.T, clock Clock, otherDevice id.DeviceID, methods ...event.VerificationMethod) (*VerificationRequest, *[]capturedMessage) {
	t.Helper()
	if len(methods) == 0 {
		methods = []event.VerificationMethod{event.VerificationMethodSAS}
	}
	channel, captured := newCaptureChannel(testUserID, otherDevice)
	log := zerolog.Nop()
	party := newTestParty(testUserID, "AAAA", 1)
	return NewVerificationRequest(RequestParams{
		Channel:          channel,
		Crypto:           party.crypto,
		Clock:            clock,
		Log:              &log,
		UserID:           testUserID,
		DeviceID:         "AAAA",
		SupportedMethods: methods,
	}), captured
}

// remoteEvent builds an inbound message from the sibling test device.
func remoteEvent(clock Clock, kind event.Kind, content any) *event.Event {
	return &event.Event{
		Kind:      kind,
		Sender:    testUserID,
		Timestamp: clock.Now(),
		Content:   content,
	}
}

func remoteRequestContent(clock Clock, fromDevice id.DeviceID, methods ...event.VerificationMethod) *event.VerificationRequestEventContent {
	if len(methods) == 0 {
		methods = []event.VerificationMethod{event.VerificationMethodSAS}
	}
	return &event.VerificationRequestEventContent{
		FromDevice: fromDevice,
		Methods:    methods,
		Timestamp:  jsontime.UM(clock.Now()),
	}
}
