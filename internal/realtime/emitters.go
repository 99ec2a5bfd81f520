package realtime

import (
	"time"

	"github.com/rutaquest/visitguard/internal/rewards"
	"github.com/rutaquest/visitguard/internal/sessions"
	"github.com/rutaquest/visitguard/internal/visits"
)

// Emitter adapts the hub to the visits, sessions and rewards event
// interfaces. Payloads carry identifiers and scores only; audit detail
// stays behind the admin audit endpoint.
type Emitter struct {
	hub *Hub
}

// NewEmitter creates an emitter publishing to hub.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

var (
	_ visits.EventEmitter   = (*Emitter)(nil)
	_ sessions.EventEmitter = (*Emitter)(nil)
	_ rewards.EventEmitter  = (*Emitter)(nil)
)

func (e *Emitter) EmitVisitValidated(rec *visits.AuditRecord) {
	e.hub.Publish(EventVisitValidated, map[string]any{
		"auditLogId": rec.ID,
		"userId":     rec.UserID,
		"poiId":      rec.POIID,
		"outcome":    rec.Outcome,
		"confidence": rec.Confidence,
		"flags":      nonNil(rec.Flags),
	})
}

func (e *Emitter) EmitSessionAnomaly(userID string, flags []string, ip string) {
	e.hub.Publish(EventSessionAnomaly, map[string]any{
		"userId": userID,
		"flags":  nonNil(flags),
		"ip":     ip,
	})
}

func (e *Emitter) EmitRewardFlagged(entry *rewards.LedgerEntry) {
	e.hub.Publish(EventRewardFlagged, map[string]any{
		"entryId":         entry.ID,
		"userId":          entry.UserID,
		"poiId":           entry.POIID,
		"actionType":      entry.ActionType,
		"status":          entry.Status,
		"suspiciousScore": entry.SuspiciousScore,
	})
}

func (e *Emitter) EmitUserBanned(userID string, until time.Time) {
	e.hub.Publish(EventUserBanned, map[string]any{
		"userId": userID,
		"until":  until.UTC(),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
