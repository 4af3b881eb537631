package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/whisper/fixtgw/internal/engine"
	"github.com/whisper/fixtgw/internal/metrics"
	"github.com/whisper/fixtgw/internal/wire"
)

func main() {
	config := engine.DefaultConfig()

	if v := os.Getenv("HEART_BT_INT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.HeartBtInt = n
		}
	}
	if v := os.Getenv("TIMER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.TimerTick = d
		}
	}
	if v := os.Getenv("EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.EventBuffer = n
		}
	}

	addr := os.Getenv("FIX_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9878"
	}
	senderCompID := os.Getenv("SENDER_COMP_ID")
	if senderCompID == "" {
		senderCompID = "INITIATOR"
	}
	targetCompID := os.Getenv("TARGET_COMP_ID")
	if targetCompID == "" {
		targetCompID = "ACCEPTOR"
	}

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("main: metrics server error: %v", err)
		}
	}()

	eng, err := engine.NewEngine(config, wire.DefaultDictionary(), nil)
	if err != nil {
		log.Fatalf("main: failed to create engine: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run()
	}()

	const token = engine.MinConnectionToken
	eng.Commands() <- engine.NewConnectionCommand(token, addr, senderCompID, targetCompID)
	log.Printf("main: connecting to %s as %s -> %s", addr, senderCompID, targetCompID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-eng.Events():
			if !ok {
				return
			}
			logEvent(ev)
		case s := <-sig:
			log.Printf("main: received %v, shutting down", s)
			eng.Shutdown()
			for ev := range eng.Events() {
				logEvent(ev)
			}
			if err := <-runErr; err != nil {
				log.Fatalf("main: engine error: %v", err)
			}
			return
		case err := <-runErr:
			if err != nil {
				log.Fatalf("main: engine error: %v", err)
			}
			return
		}
	}
}

func logEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnectionFailed:
		log.Printf("main: connection %d failed: %v", ev.Token, ev.Err)
	case engine.EventSessionEstablished:
		log.Printf("main: session %d established", ev.Token)
	case engine.EventMessageReceived:
		log.Printf("main: session %d received %s", ev.Token, ev.Message.MsgType())
	case engine.EventMessageReceivedDuplicate:
		log.Printf("main: session %d received duplicate %s", ev.Token, ev.Message.MsgType())
	case engine.EventMessageReceivedGarbled:
		log.Printf("main: session %d received garbled message: %v", ev.Token, ev.ParseErr)
	case engine.EventMessageRejected:
		log.Printf("main: session %d rejected %s", ev.Token, ev.Message.MsgType())
	case engine.EventSequenceResetResetHasNoEffect:
		log.Printf("main: session %d sequence reset had no effect", ev.Token)
	case engine.EventSequenceResetResetInThePast:
		log.Printf("main: session %d sequence reset in the past", ev.Token)
	case engine.EventConnectionTerminated:
		log.Printf("main: session %d terminated: %s", ev.Token, ev.TerminateReason)
	case engine.EventFatalError:
		log.Printf("main: fatal: %s: %v", ev.FatalText, ev.Err)
	}
}
