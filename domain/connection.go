package domain

import "time"

// ServiceScope is the pool scope of the shared privileged connection.
const ServiceScope = "service"

// ConnectionInfo is a read-only snapshot of a pooled backend connection.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	IsHealthy bool      `json:"is_healthy"`
}
