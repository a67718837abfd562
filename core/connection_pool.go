package core

// connection_pool.go - the outbound half of node.go's peer plumbing: a
// small per-address idle-connection cache so repeated dials to the same
// peer (reconnect after a drop, or a burst of Probe calls against a
// bootstrap address) don't pay a fresh TCP handshake every time. Adapted
// from the teacher's connection pool for this package's Peer/PeerDialer
// types; the reaper now reports what it evicts through the same
// *logrus.Logger node.go logs peer connect/disconnect through, instead
// of running silently.

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pooledPeerConn is a net.Conn on loan from a PeerDialPool, tagged with
// the peer address it was dialed for and when it was last handed back.
type pooledPeerConn struct {
	net.Conn
	addr     string
	lastUsed time.Time
}

// PeerDialPool caches idle outbound connections to peer addresses so
// Node.Probe doesn't redial on every call. Node.Connect dials directly
// and does not use the pool.
type PeerDialPool struct {
	dialer    *PeerDialer
	mu        sync.Mutex
	conns     map[string][]*pooledPeerConn
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
	log       *logrus.Logger
}

// NewPeerDialPool creates a pool that dials through d. maxIdle caps how
// many idle connections per peer address are retained; idleTTL bounds
// how long one may sit idle before the reaper closes it.
func NewPeerDialPool(d *PeerDialer, maxIdle int, idleTTL time.Duration, log *logrus.Logger) *PeerDialPool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cp := &PeerDialPool{
		dialer:  d,
		conns:   make(map[string][]*pooledPeerConn),
		maxIdle: maxIdle,
		idleTTL: idleTTL,
		closing: make(chan struct{}),
		log:     log,
	}
	go cp.reaper()
	return cp
}

// Acquire returns a connection to addr from the pool, or dials a new one.
func (cp *PeerDialPool) Acquire(ctx context.Context, addr string) (net.Conn, error) {
	cp.mu.Lock()
	list := cp.conns[addr]
	n := len(list)
	if n > 0 {
		c := list[n-1]
		cp.conns[addr] = list[:n-1]
		cp.mu.Unlock()
		c.lastUsed = time.Now()
		return c, nil
	}
	cp.mu.Unlock()
	if cp.dialer == nil {
		return nil, errors.New("peerdialpool: dialer not configured")
	}
	conn, err := cp.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &pooledPeerConn{Conn: conn, addr: addr, lastUsed: time.Now()}, nil
}

// Release returns conn to the pool for reuse, closing it outright if the
// pool for its address is already at maxIdle or it wasn't acquired from
// this pool.
func (cp *PeerDialPool) Release(conn net.Conn) {
	pc, ok := conn.(*pooledPeerConn)
	if !ok {
		_ = conn.Close()
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.maxIdle > 0 && len(cp.conns[pc.addr]) < cp.maxIdle {
		pc.lastUsed = time.Now()
		cp.conns[pc.addr] = append(cp.conns[pc.addr], pc)
		return
	}
	_ = pc.Close()
}

// Close closes every pooled connection and stops the reaper.
func (cp *PeerDialPool) Close() {
	cp.closeOnce.Do(func() {
		close(cp.closing)
		cp.mu.Lock()
		defer cp.mu.Unlock()
		for _, list := range cp.conns {
			for _, c := range list {
				_ = c.Close()
			}
		}
		cp.conns = make(map[string][]*pooledPeerConn)
	})
}

// Stats returns the total number of idle connections currently pooled.
func (cp *PeerDialPool) Stats() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	count := 0
	for _, list := range cp.conns {
		count += len(list)
	}
	return count
}

// reaper closes connections that have been idle past idleTTL.
func (cp *PeerDialPool) reaper() {
	ticker := time.NewTicker(cp.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cp.idleTTL)
			evicted := 0
			cp.mu.Lock()
			for addr, list := range cp.conns {
				i := 0
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						evicted++
						continue
					}
					list[i] = c
					i++
				}
				cp.conns[addr] = list[:i]
			}
			cp.mu.Unlock()
			if evicted > 0 {
				cp.log.WithField("evicted", evicted).Debug("peer dial pool: reaped idle connections")
			}
		case <-cp.closing:
			return
		}
	}
}
