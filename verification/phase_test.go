// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.mau.fi/keyverify/event"
)

func TestPhase_Terminal(t *testing.T) {
	assert.False(t, PhaseUnsent.Terminal())
	assert.False(t, PhaseRequested.Terminal())
	assert.False(t, PhaseReady.Terminal())
	assert.False(t, PhaseStarted.Terminal())
	assert.True(t, PhaseDone.Terminal())
	assert.True(t, PhaseCancelled.Terminal())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "ready", PhaseReady.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestOriginEvents_RecordDeduplicates(t *testing.T) {
	var oe originEvents
	first := &event.Event{Kind: event.KindRequest, Content: &event.VerificationRequestEventContent{}}
	second := &event.Event{Kind: event.KindRequest, Content: &event.VerificationRequestEventContent{}}

	assert.True(t, oe.record(first))
	assert.False(t, oe.record(second))
	assert.Same(t, first, oe.get(event.KindRequest))

	ready := &event.Event{Kind: event.KindReady, Content: &event.VerificationReadyEventContent{}}
	assert.True(t, oe.record(ready))
	assert.Same(t, ready, oe.get(event.KindReady))

	assert.False(t, oe.record(&event.Event{Kind: "m.room.message"}))
	assert.Nil(t, oe.get("m.room.message"))
}
