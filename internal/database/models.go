package database

import "time"

// Setting is a key/value row for operational state that must survive
// restarts (currently only the fernet sealing key).
type Setting struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

// TunnelEvent is one row of the tunnel lifecycle audit trail. The share
// token is stored fernet-sealed, never in the clear.
type TunnelEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	TunnelID    string    `gorm:"index" json:"tunnel_id"`
	UserID      string    `gorm:"index" json:"user_id"`
	Event       string    `json:"event"` // registered, heartbeat_evicted, failure_evicted, unregistered
	PublicURL   string    `json:"public_url"`
	SealedToken string    `gorm:"type:text" json:"-"`
	Detail      string    `json:"detail,omitempty"`
}
