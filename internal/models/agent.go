package models

import "time"

// Agent is one remote machine hosting exactly one scanning engine. The
// machine serializes its own work; the orchestrator never multiplexes
// concurrent scans onto a single agent.
type Agent struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Engine    string    `db:"engine" json:"engine"`
	Endpoint  string    `db:"endpoint" json:"endpoint"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AgentFilter narrows agent listing queries.
type AgentFilter struct {
	Engine   *string
	Active   *bool
	Page     int
	PageSize int
}
