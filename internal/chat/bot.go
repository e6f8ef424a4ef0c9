package chat

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/config"
)

// Scheduler emits synthetic chat entries at randomized intervals while a
// publisher is live. Exactly one timer is pending at any time; Stop cancels
// it deterministically.
type Scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	running bool
	gen     uint64

	chat *Log
	cfg  config.BotConfig
	rng  *rand.Rand
	log  zerolog.Logger
}

func NewScheduler(chat *Log, cfg config.BotConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		chat: chat,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log.With().Str("component", "bot").Logger(),
	}
}

// Start begins emission with the first entry after the configured fixed
// delay. Calling Start while running is a no-op, so repeated publisher-start
// events never produce a second timer chain.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	// Each chain carries a generation; a stale tick whose timer already
	// fired before Stop can never emit into a newer chain.
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.cfg.FirstDelay, func() { s.tick(gen) })
	s.log.Info().Dur("first_delay", s.cfg.FirstDelay).Msg("synthetic activity started")
}

// Stop cancels the pending emission. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.log.Info().Msg("synthetic activity stopped")
}

// Running reports whether an emission chain is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	entry := syntheticEntry(s.rng)
	// Resample the interval independently per tick.
	delay := s.cfg.MinInterval + time.Duration(s.rng.Int63n(int64(s.cfg.MaxInterval-s.cfg.MinInterval)+1))
	s.timer = time.AfterFunc(delay, func() { s.tick(gen) })
	s.mu.Unlock()

	s.chat.Append(entry)
	s.log.Debug().Str("username", entry.Username).Dur("next_in", delay).Msg("synthetic entry emitted")
}
