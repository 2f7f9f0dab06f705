// Package bridge feeds backend call-row changes into the controller. It
// is the only progress channel for server-relayed calls and a secondary
// confirmation channel for the signaling path.
package bridge

import (
	"fmt"

	"github.com/tradeworks/softphone/call"
)

// RowChange is one call-log row change as published on the notification
// channel.
type RowChange struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	CallSID    string `json:"call_sid"`
	Status     string `json:"status"`
	Direction  string `json:"direction"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	ContactID  string `json:"contact_id"`
	Duration   int    `json:"duration"`
}

// translate maps a row change onto a controller event. The backend
// status vocabulary is authoritative for relay-originated calls. Rows
// with unknown statuses are dropped.
func translate(rc RowChange) (call.Event, bool) {
	switch rc.Status {
	case "ringing", "dialing":
		if rc.Direction == "inbound" {
			return call.InviteReceived{
				Source:    call.SourceBridge,
				From:      rc.FromNumber,
				ContactID: rc.ContactID,
				CallSID:   rc.CallSID,
				RecordID:  rc.ID,
			}, true
		}
		return call.InviteRinging{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
		}, true

	case "active", "in-progress", "answered":
		return call.MediaConnected{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
		}, true

	case "completed":
		return call.Terminated{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
			Reason:   call.ReasonCompleted,
		}, true

	case "failed", "busy":
		return call.Terminated{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
			Reason:   call.ReasonFailed,
			Err:      fmt.Errorf("%w: provider reported %s", call.ErrProviderRejected, rc.Status),
		}, true

	case "cancelled", "canceled":
		return call.Terminated{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
			Reason:   call.ReasonCancelled,
		}, true

	case "no-answer":
		return call.Terminated{
			Source:   call.SourceBridge,
			CallSID:  rc.CallSID,
			RecordID: rc.ID,
			Reason:   call.ReasonNoAnswer,
		}, true
	}

	return nil, false
}
