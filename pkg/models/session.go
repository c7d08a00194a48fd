package models

import "time"

// SessionHealth is the last observed state of a browser session lease
type SessionHealth string

const (
	HealthUnknown   SessionHealth = "UNKNOWN"
	HealthHealthy   SessionHealth = "HEALTHY"
	HealthUnhealthy SessionHealth = "UNHEALTHY"
)

// Session describes the browser session currently leased by a user actor
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	Health       SessionHealth `json:"health"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	ConnectURL   string        `json:"-"`
	ContainerID  string        `json:"-"`
}

// ActorState is the lifecycle state of a user actor
type ActorState string

const (
	ActorUninitialized ActorState = "UNINITIALIZED"
	ActorReady         ActorState = "READY"
	ActorExecuting     ActorState = "EXECUTING"
	ActorEvicted       ActorState = "EVICTED"
)

// ActorInfo is the debug view of one user actor
type ActorInfo struct {
	UserID     string     `json:"userId"`
	State      ActorState `json:"state"`
	Pending    int        `json:"pending"`
	Executed   int64      `json:"executed"`
	LastActive time.Time  `json:"lastActive"`
	Session    *Session   `json:"session,omitempty"`
}
