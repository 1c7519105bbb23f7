package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Engine runs the sequential reap-then-spawn loop on a fixed interval.
// Errors inside a tick are logged and the loop continues; a transient
// database or orchestrator blip must not kill the engine.
type Engine struct {
	spawner  *Spawner
	reaper   *Reaper
	interval time.Duration
}

func New(spawner *Spawner, reaper *Reaper, interval time.Duration) *Engine {
	return &Engine{spawner: spawner, reaper: reaper, interval: interval}
}

// Run blocks until ctx is cancelled. Reaping precedes spawning within a
// tick so capacity freed by finished tasks is visible to the same tick's
// spawn pass.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()

	log.Info().Dur("interval", e.interval).Msg("poll loop started")
	for {
		if err := e.reaper.ReapRunning(ctx); err != nil {
			log.Error().Err(err).Msg("reap pass failed")
		}
		if err := e.spawner.SpawnPending(ctx); err != nil {
			log.Error().Err(err).Msg("spawn pass failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("poll loop stopped")
			return
		case <-t.C:
		}
	}
}
