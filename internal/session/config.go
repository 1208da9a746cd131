package session

import "time"

// Config controls session liveness and consumer push sizing, per spec §6.
type Config struct {
	SessionTimeout time.Duration
	ExpireInterval time.Duration
	MaxPushBytes   int
}

func (c *Config) setDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.ExpireInterval == 0 {
		c.ExpireInterval = 5 * time.Second
	}
	if c.MaxPushBytes == 0 {
		c.MaxPushBytes = 64 * 1024
	}
}
