// Package timing accumulates per-interval frame statistics and emits
// periodic one-line summaries.
package timing

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const accumulatorSize = 120

type valueSeries struct {
	samples []uint32
	unit    string
}

// Stats tracks frame periods plus labelled sub-timers and values for one
// component. Not safe for concurrent use; each worker owns its own Stats.
type Stats struct {
	label     string
	lastFrame time.Time
	acc       []uint32

	trackers map[string]time.Time
	subAcc   map[string][]uint32
	values   map[string]*valueSeries

	logger zerolog.Logger
}

func New(label string) *Stats {
	return &Stats{
		label:    label,
		acc:      make([]uint32, 0, accumulatorSize),
		trackers: make(map[string]time.Time),
		subAcc:   make(map[string][]uint32),
		values:   make(map[string]*valueSeries),
		logger:   log.With().Str("component", label).Logger(),
	}
}

// Tick marks a frame boundary. Every accumulatorSize ticks it logs the
// average frame period, the derived FPS, and the averages of all sub-timers
// and tracked values, then clears all accumulators.
func (s *Stats) Tick() {
	if !s.lastFrame.IsZero() {
		s.acc = append(s.acc, uint32(time.Since(s.lastFrame).Microseconds()))
	}

	if len(s.acc) == accumulatorSize {
		s.emit()
		s.acc = s.acc[:0]
		s.trackers = make(map[string]time.Time)
		s.subAcc = make(map[string][]uint32)
		s.values = make(map[string]*valueSeries)
	}

	s.lastFrame = time.Now()
}

func (s *Stats) emit() {
	var sum uint64
	for _, v := range s.acc {
		sum += uint64(v)
	}
	avg := sum / accumulatorSize

	ev := s.logger.Info().
		Uint64("avg_period_us", avg)
	if avg > 0 {
		ev = ev.Float64("fps", 1e6/float64(avg))
	}

	timers := zerolog.Dict()
	for label, samples := range s.subAcc {
		timers = timers.Float64(label, average(samples))
	}
	ev = ev.Dict("timers_us", timers)

	tracked := zerolog.Dict()
	for label, vs := range s.values {
		tracked = tracked.Str(label, strconv.FormatFloat(average(vs.samples), 'f', 2, 64)+vs.unit)
	}
	ev = ev.Dict("tracked", tracked)

	ev.Msg("stats")
}

func average(samples []uint32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range samples {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(samples))
}

// Start begins a sub-operation timer. Starting an already-running label logs
// a warning and is ignored.
func (s *Stats) Start(label string) {
	if _, running := s.trackers[label]; running {
		s.logger.Warn().Str("timer", label).Msg("ignoring start, timer already running")
		return
	}
	s.trackers[label] = time.Now()
}

// End finishes a sub-operation timer. Ending without a matching Start logs a
// warning and is ignored.
func (s *Stats) End(label string) {
	started, running := s.trackers[label]
	if !running {
		s.logger.Warn().Str("timer", label).Msg("ignoring end, timer not running")
		return
	}
	delete(s.trackers, label)
	s.subAcc[label] = append(s.subAcc[label], uint32(time.Since(started).Microseconds()))
}

// Track adds a numeric sample under a label, with a unit used for display.
func (s *Stats) Track(label string, value uint32, unit string) {
	vs, ok := s.values[label]
	if !ok {
		vs = &valueSeries{unit: unit}
		s.values[label] = vs
	}
	vs.unit = unit
	vs.samples = append(vs.samples, value)
}
