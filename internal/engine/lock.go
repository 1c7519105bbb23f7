package engine

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"swarmengine/internal/store"
)

// Lock is the database-backed singleton lease that keeps at most one
// engine instance running the control loop. It does not replace the
// store's compare-and-swap primitives; it only bounds the window in which
// two instances can race on them.
type Lock struct {
	store     store.Store
	holderID  string
	timeout   time.Duration
	heartbeat time.Duration

	held bool
	stop chan struct{}
	done chan struct{}
}

func NewLock(st store.Store, timeout, heartbeat time.Duration) *Lock {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Lock{
		store:     st,
		holderID:  hostname + "-" + uuid.NewString()[:8],
		timeout:   timeout,
		heartbeat: heartbeat,
	}
}

// HolderID returns this instance's identity string.
func (l *Lock) HolderID() string { return l.holderID }

// Held reports whether this instance currently believes it holds the lock.
func (l *Lock) Held() bool { return l.held }

// Acquire attempts to take the lock. It succeeds when no one holds it or
// the previous holder's heartbeat expired. The conditional update is keyed
// on the holder we observed, so losing a race to a concurrent acquirer
// returns false rather than silently double-acquiring.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	holder, lastHeartbeat, err := l.store.GetLock(ctx)
	if err != nil {
		return false, err
	}

	available := holder == nil ||
		(lastHeartbeat != nil && time.Since(*lastHeartbeat) > l.timeout)
	if !available {
		log.Error().
			Str("holder", *holder).
			Dur("lock_timeout", l.timeout).
			Msg("lock held by another instance")
		return false, nil
	}

	ok, err := l.store.TryAcquireLock(ctx, l.holderID, holder)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Error().Msg("lock was claimed by another instance during acquisition")
		return false, nil
	}

	l.held = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeatLoop()
	log.Info().Str("holder", l.holderID).Msg("lock acquired")
	return true, nil
}

// heartbeatLoop refreshes last_heartbeat on its own cadence, independent
// of the poll loop, until Release is called.
func (l *Lock) heartbeatLoop() {
	defer close(l.done)
	t := time.NewTicker(l.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.heartbeat)
			ok, err := l.store.HeartbeatLock(ctx, l.holderID)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("heartbeat failed")
			} else if !ok {
				log.Warn().Str("holder", l.holderID).Msg("heartbeat lost: lock taken over")
			} else {
				log.Debug().Msg("heartbeat sent")
			}
		}
	}
}

// Release stops the heartbeat and nulls out the holder, conditioned on us
// still holding it. Safe to call when not held.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	close(l.stop)
	<-l.done
	l.held = false

	if err := l.store.ReleaseLock(ctx, l.holderID); err != nil {
		log.Error().Err(err).Msg("failed to release lock")
		return err
	}
	log.Info().Msg("lock released")
	return nil
}
