// Package network simulates the wire between the client and the in-process
// server. Deliveries are scheduled on a cooperative Loop after an artificial
// latency, so handler code never runs concurrently with itself.
package network

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/transport"
	"go.uber.org/zap"
)

var (
	errMissingLoop       = errors.New("network: loop is required")
	errInvalidLatency    = errors.New("network: invalid latency bounds")
	errInvalidThroughput = errors.New("network: throughput must not be negative")
	// ErrUnknownMode indicates an unrecognised slowness mode name.
	ErrUnknownMode = errors.New("network: unknown mode")
)

// Handler answers a server-side message in transport.StateReceived.
type Handler interface {
	Handle(message *transport.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(message *transport.Message)

// Handle calls f(message).
func (f HandlerFunc) Handle(message *transport.Message) {
	f(message)
}

// Mode selects preset latency bounds.
type Mode int

const (
	// ModeLocal delivers with no delay.
	ModeLocal Mode = iota
	// ModeNeighbour waits 75ms to 200ms.
	ModeNeighbour
	// ModeAbroad waits 200ms to 1500ms.
	ModeAbroad
	// ModeFar waits 2500ms to 10000ms.
	ModeFar
)

var modeNames = map[Mode]string{
	ModeLocal:     "local",
	ModeNeighbour: "neighbour",
	ModeAbroad:    "abroad",
	ModeFar:       "far",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode resolves a mode name.
func ParseMode(value string) (Mode, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for mode, name := range modeNames {
		if name == normalized {
			return mode, nil
		}
	}
	return ModeNeighbour, fmt.Errorf("%w: %q", ErrUnknownMode, value)
}

// Latency bounds a uniformly random delay.
type Latency struct {
	Min time.Duration
	Max time.Duration
}

// LatencyFor returns the preset bounds of mode; unknown modes fall back to
// ModeNeighbour.
func LatencyFor(mode Mode) Latency {
	switch mode {
	case ModeLocal:
		return Latency{}
	case ModeAbroad:
		return Latency{Min: 200 * time.Millisecond, Max: 1500 * time.Millisecond}
	case ModeFar:
		return Latency{Min: 2500 * time.Millisecond, Max: 10000 * time.Millisecond}
	default:
		return Latency{Min: 75 * time.Millisecond, Max: 200 * time.Millisecond}
	}
}

func (l Latency) validate() error {
	if l.Min < 0 || l.Max < 0 || l.Min > l.Max {
		return fmt.Errorf("%w: min=%s max=%s", errInvalidLatency, l.Min, l.Max)
	}
	return nil
}

// Config describes a Simulator.
type Config struct {
	Loop *Loop
	Mode Mode
	// Latency overrides the mode bounds when non-zero.
	Latency Latency
	// ThroughputBytesPerSecond switches to a size-derived delay when positive:
	// size/throughput plus Latency.Min.
	ThroughputBytesPerSecond int
	// ReturnTrip delays the completion callback by a second, response-sized delay.
	ReturnTrip bool
	// Random returns values in [0, 1). Defaults to math/rand/v2.
	Random func() float64
	Logger *zap.Logger
}

// Simulator delivers messages to the single registered Handler.
type Simulator struct {
	mu         sync.RWMutex
	loop       *Loop
	handler    Handler
	latency    Latency
	throughput int
	returnTrip bool
	random     func() float64
	logger     *zap.Logger
}

var _ transport.Network = (*Simulator)(nil)

// NewSimulator validates cfg and returns a Simulator with no handler.
func NewSimulator(cfg Config) (*Simulator, error) {
	if cfg.Loop == nil {
		return nil, errMissingLoop
	}
	latency := cfg.Latency
	if latency == (Latency{}) {
		latency = LatencyFor(cfg.Mode)
	}
	if err := latency.validate(); err != nil {
		return nil, err
	}
	if cfg.ThroughputBytesPerSecond < 0 {
		return nil, errInvalidThroughput
	}
	random := cfg.Random
	if random == nil {
		random = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		loop:       cfg.Loop,
		latency:    latency,
		throughput: cfg.ThroughputBytesPerSecond,
		returnTrip: cfg.ReturnTrip,
		random:     random,
		logger:     logger,
	}, nil
}

// Configure registers handler, replacing the previous one for later sends.
func (s *Simulator) Configure(handler Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// SetMode switches to the preset bounds of mode.
func (s *Simulator) SetMode(mode Mode) {
	s.mu.Lock()
	s.latency = LatencyFor(mode)
	s.mu.Unlock()
}

// Loop returns the scheduler deliveries run on.
func (s *Simulator) Loop() *Loop {
	return s.loop
}

// Send schedules view for the handler and then calls onComplete with it.
func (s *Simulator) Send(view *transport.Message, onComplete func(*transport.Message)) {
	outbound := s.delay(view.RequestSize())
	s.loop.After(outbound, func() {
		s.deliver(view)
		if !s.returnTrip {
			onComplete(view)
			return
		}
		s.loop.After(s.delay(view.ResponseSize()), func() {
			onComplete(view)
		})
	})
}

func (s *Simulator) deliver(view *transport.Message) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		s.logger.Error("no handler configured", zap.String("url", view.URL()))
		view.SetStatus(http.StatusNotImplemented)
		return
	}
	// A panicking handler still yields a completed message.
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panicked",
				zap.Any("panic", recovered),
				zap.String("method", view.Method()),
				zap.String("url", view.URL()))
			view.SetStatus(http.StatusInternalServerError)
		}
	}()
	handler.Handle(view)
}

// delay computes the simulated transfer time for a payload of size bytes.
func (s *Simulator) delay(size int) time.Duration {
	s.mu.RLock()
	latency := s.latency
	throughput := s.throughput
	s.mu.RUnlock()

	if throughput > 0 {
		transfer := time.Duration(float64(size) / float64(throughput) * float64(time.Second))
		return latency.Min + transfer
	}
	spread := latency.Max - latency.Min
	if spread <= 0 {
		return latency.Min
	}
	return latency.Min + time.Duration(s.random()*float64(spread))
}
