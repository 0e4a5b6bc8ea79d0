// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"go.mau.fi/keyverify/event"
)

// Phase is the coarse-grained state of a verification request.
type Phase int

const (
	PhaseUnsent Phase = iota
	PhaseRequested
	PhaseReady
	PhaseStarted
	PhaseDone
	PhaseCancelled
)

func (phase Phase) String() string {
	switch phase {
	case PhaseUnsent:
		return "unsent"
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseStarted:
		return "started"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Phase(%d)", int(phase))
	}
}

// Terminal reports whether no further message may mutate visible state.
func (phase Phase) Terminal() bool {
	return phase == PhaseDone || phase == PhaseCancelled
}

// originEvents holds the most recent protocol message of each
// request-level kind seen from one origin (us or them). The kind
// vocabulary is closed, so one optional slot per kind suffices.
type originEvents struct {
	request *event.Event
	ready   *event.Event
	start   *event.Event
	accept  *event.Event
	key     *event.Event
	mac     *event.Event
	done    *event.Event
	cancel  *event.Event
}

func (oe *originEvents) slot(kind event.Kind) **event.Event {
	switch kind {
	case event.KindRequest:
		return &oe.request
	case event.KindReady:
		return &oe.ready
	case event.KindStart:
		return &oe.start
	case event.KindAccept:
		return &oe.accept
	case event.KindKey:
		return &oe.key
	case event.KindMAC:
		return &oe.mac
	case event.KindDone:
		return &oe.done
	case event.KindCancel:
		return &oe.cancel
	default:
		return nil
	}
}

// record stores the event in its kind slot. It returns false if a message
// of this kind from this origin was already recorded, which tolerates
// transport duplicate-delivery without spuriously cancelling.
func (oe *originEvents) record(evt *event.Event) bool {
	slot := oe.slot(evt.Kind)
	if slot == nil || *slot != nil {
		return false
	}
	*slot = evt
	return true
}

func (oe *originEvents) get(kind event.Kind) *event.Event {
	if slot := oe.slot(kind); slot != nil {
		return *slot
	}
	return nil
}
