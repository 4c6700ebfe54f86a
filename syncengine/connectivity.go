// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import "sync"

// ConnectivitySignal is an in-process reachability notifier. The engine does
// not probe the network itself; the host application (or platform layer)
// feeds transitions in via Set and the orchestrator reacts to offline→online
// edges. Subscribers get the current value on subscription so nobody starts
// with a stale assumption.
type ConnectivitySignal struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewConnectivitySignal creates a signal with the given initial state.
func NewConnectivitySignal(online bool) *ConnectivitySignal {
	return &ConnectivitySignal{online: online}
}

// Online reports the current reachability state.
func (c *ConnectivitySignal) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records a reachability transition and notifies subscribers. Repeated
// sets to the same value are dropped.
func (c *ConnectivitySignal) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	for _, ch := range c.subs {
		select {
		case ch <- online:
		default:
			// Subscriber is behind; it will still observe the latest state on
			// its next read because transitions alternate.
		}
	}
}

// Subscribe returns a channel of reachability values, primed with the current
// state, and a cancel function.
func (c *ConnectivitySignal) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan bool, 4)
	ch <- c.online
	c.subs = append(c.subs, ch)
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}
