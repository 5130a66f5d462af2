// Package relayevents bridges registry lifecycle events into the audit
// trail: share tokens are sealed before they touch disk. Lifecycle
// counters are the registry's job; the sink only persists.
package relayevents

import (
	"log"

	"github.com/cloudtolocalllm/relay/internal/crypto"
	"github.com/cloudtolocalllm/relay/internal/database"
	"github.com/cloudtolocalllm/relay/internal/registry"
)

// Sink returns an EventSink that records every event as a database row.
// Audit failures are logged, never propagated; the registry operation
// that produced the event has already succeeded.
func Sink() registry.EventSink {
	return func(ev registry.Event) {
		if database.DB == nil {
			log.Printf("[events] no database, dropping %s for %s", ev.Kind, ev.TunnelID)
			return
		}

		row := &database.TunnelEvent{
			TunnelID:  ev.TunnelID,
			UserID:    ev.UserID,
			Event:     ev.Kind,
			PublicURL: ev.PublicURL,
			Detail:    ev.Detail,
		}
		if ev.ShareToken != "" {
			sealed, err := crypto.Seal(ev.ShareToken)
			if err != nil {
				log.Printf("[events] seal share token for %s: %v", ev.TunnelID, err)
			} else {
				row.SealedToken = sealed
			}
		}
		if err := database.RecordTunnelEvent(row); err != nil {
			log.Printf("[events] record %s for %s: %v", ev.Kind, ev.TunnelID, err)
		}
	}
}
