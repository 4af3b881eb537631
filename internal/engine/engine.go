// Package engine implements the initiator-side FIXT 1.1 session core: a
// single-threaded event loop multiplexing many outbound sessions, each with
// its own sequence-number discipline, administrative-message handling, and
// timer-driven keep-alive and logout protocol.
package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/whisper/fixtgw/internal/timerwheel"
	"github.com/whisper/fixtgw/internal/transport"
	"github.com/whisper/fixtgw/internal/wire"
)

// Config holds tunable parameters for the engine.
type Config struct {
	HeartBtInt    int           // HeartBtInt offered in our Logon, seconds
	CommandBuffer int           // capacity of the inbound command channel
	EventBuffer   int           // capacity of the outbound event channel
	TimerTick     time.Duration // poll granularity when no timer is due sooner
	TimerBatch    int           // max timer firings drained per iteration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		HeartBtInt:    30,
		CommandBuffer: 256,
		EventBuffer:   1024,
		TimerTick:     100 * time.Millisecond,
		TimerBatch:    256,
	}
}

// Engine owns the event loop and every live connection. Application
// goroutines talk to it exclusively through the command channel and read
// session events back from the event channel; no connection state is ever
// touched outside the loop goroutine.
type Engine struct {
	config   Config
	dict     wire.Dictionary
	now      func() time.Time
	poller   transport.Poller
	wheel    *timerwheel.Wheel
	conns    map[Token]*Connection
	handler  Handler
	commands chan Command
	events   chan Event
}

// NewEngine creates an Engine with the given configuration and message
// dictionary. now is the wall-clock source; pass nil for time.Now.
func NewEngine(config Config, dict wire.Dictionary, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	poller, err := transport.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("engine: create poller: %w", err)
	}
	return &Engine{
		config:   config,
		dict:     dict,
		now:      now,
		poller:   poller,
		wheel:    timerwheel.New(now),
		conns:    make(map[Token]*Connection),
		commands: make(chan Command, config.CommandBuffer),
		events:   make(chan Event, config.EventBuffer),
	}, nil
}

// Commands is the channel the application sends NewConnection, SendMessage,
// Logout, and Shutdown commands into.
func (e *Engine) Commands() chan<- Command { return e.commands }

// Events is the channel the engine delivers session events on. It is closed
// when Run returns.
func (e *Engine) Events() <-chan Event { return e.events }

// Run drives the event loop until a Shutdown command arrives or the poller
// fails. It blocks; callers normally run it on a dedicated goroutine.
func (e *Engine) Run() error {
	log.Printf("engine: event loop running (heartbtint=%ds, tick=%v)", e.config.HeartBtInt, e.config.TimerTick)
	err := e.runLoop()
	e.teardown()
	return err
}

// Shutdown asks the loop to stop. All connection state is dropped without
// logging out; sockets are closed and timers discarded.
func (e *Engine) Shutdown() {
	e.commands <- ShutdownCommand()
}

func (e *Engine) teardown() {
	for token, conn := range e.conns {
		conn.CancelAllTimers()
		conn.socket.Close()
		if err := e.poller.Deregister(token); err != nil {
			log.Printf("engine: deregister token %d: %v", token, err)
		}
	}
	e.conns = make(map[Token]*Connection)
	if err := e.poller.Close(); err != nil {
		log.Printf("engine: close poller: %v", err)
	}
	close(e.events)
	log.Printf("engine: event loop stopped")
}
