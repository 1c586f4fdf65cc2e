package feed

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"telestrator/internal/frame"
	"telestrator/internal/timing"
)

// Config is the immutable feed configuration. A bitrate bound of 0 disables
// that bound.
type Config struct {
	Source  SourceConfig
	Encoder EncoderConfig

	MinBitrateKbps   uint32
	StartBitrateKbps uint32
	MaxBitrateKbps   uint32

	MaxFPS float64

	// ForcedResolution, when set, pins the feed to one resolution: frames of
	// any other size are dropped instead of reconfiguring the encoder.
	ForcedResolution *frame.Resolution
}

// Manager owns the capture source, the encoder, the control inbox and the
// result broadcast. It runs a single blocking loop on a dedicated worker
// thread; nothing else touches the encoder or the client bitrate table.
type Manager struct {
	cfg     Config
	source  Source
	encoder Encoder

	control <-chan ControlMessage
	results *Broadcaster

	clientBitrates map[string]uint32
	targetBitrate  uint32
	forceKeyframe  bool

	lastFrameTime time.Time
	stats         *timing.Stats
}

func NewManager(cfg Config, source Source, encoder Encoder,
	control <-chan ControlMessage, results *Broadcaster) *Manager {
	return &Manager{
		cfg:            cfg,
		source:         source,
		encoder:        encoder,
		control:        control,
		results:        results,
		clientBitrates: make(map[string]uint32),
		targetBitrate:  cfg.StartBitrateKbps,
		stats:          timing.New("feed"),
	}
}

// RunForever drives the feed until a fatal source/encoder error or until the
// control channel is closed.
func (m *Manager) RunForever() error {
	defer func() {
		_ = m.encoder.Close()
		_ = m.source.Close()
	}()

	for {
		done, err := m.drainControl()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if len(m.clientBitrates) == 0 {
			// No consumers means no work; block until the next message
			// instead of burning CPU and capture frames.
			msg, ok := <-m.control
			if !ok {
				return nil
			}
			if err := m.handleControl(msg); err != nil {
				return err
			}
			continue
		}

		f, err := m.source.GetFrame()
		if err != nil {
			return fmt.Errorf("get frame: %w", err)
		}
		if f == nil {
			continue
		}
		incFramesIn()

		if m.cfg.ForcedResolution != nil && f.Resolution() != *m.cfg.ForcedResolution {
			log.Warn().
				Stringer("have", f.Resolution()).
				Stringer("want", *m.cfg.ForcedResolution).
				Msg("dropping frame outside the forced resolution")
			continue
		}

		m.stats.Tick()

		force := m.forceKeyframe
		m.forceKeyframe = false

		m.stats.Start("encode")
		data, err := m.encoder.Encode(f, Flags{ForceKeyframe: force})
		m.stats.End("encode")
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		incFramesEncoded()
		m.stats.Track("bitstream", uint32(len(data)), "B")

		m.paceFrame()

		// A send with no subscribers is fine; the frame is simply gone.
		incSamplesBroadcast(m.results.Send(data))
	}
}

// drainControl applies every queued control message without blocking. The
// first return is true once the control channel is closed.
func (m *Manager) drainControl() (bool, error) {
	for {
		select {
		case msg, ok := <-m.control:
			if !ok {
				return true, nil
			}
			if err := m.handleControl(msg); err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	}
}

func (m *Manager) handleControl(msg ControlMessage) error {
	log.Debug().Type("message", msg).Msg("feed control")
	switch msg := msg.(type) {
	case ClientJoined:
		m.clientBitrates[msg.ID] = min(m.targetBitrate, m.cfg.StartBitrateKbps)
		incClientsJoined()
		return m.updateTargetBitrate()
	case ClientLeft:
		delete(m.clientBitrates, msg.ID)
		incClientsLeft()
		return m.updateTargetBitrate()
	case BandwidthEstimate:
		m.clientBitrates[msg.ID] = msg.BitrateKbps
		return m.updateTargetBitrate()
	case RequestKeyframe:
		m.forceKeyframe = true
		return nil
	default:
		log.Warn().Type("message", msg).Msg("unknown feed control message")
		return nil
	}
}

// updateTargetBitrate recomputes the shared target and pushes it to the
// encoder when it moved. The feed is shared, so it has to be receivable by
// the slowest subscriber; faster peers absorb the headroom.
func (m *Manager) updateTargetBitrate() error {
	target := m.computeTargetBitrate()
	if target == m.targetBitrate {
		return nil
	}
	m.targetBitrate = target
	log.Info().Uint32("kbps", target).Msg("target bitrate")
	if err := m.encoder.SetRate(RateParameters{TargetBitrateKbps: target, MaxFPS: m.cfg.MaxFPS}); err != nil {
		return fmt.Errorf("set rate: %w", err)
	}
	return nil
}

func (m *Manager) computeTargetBitrate() uint32 {
	target := m.cfg.StartBitrateKbps
	first := true
	for _, kbps := range m.clientBitrates {
		if first || kbps < target {
			target = kbps
			first = false
		}
	}
	return clampBitrate(target, m.cfg.MinBitrateKbps, m.cfg.MaxBitrateKbps)
}

// clampBitrate bounds kbps to [lo, hi], where a bound of 0 is disabled.
func clampBitrate(kbps, lo, hi uint32) uint32 {
	if lo > 0 && kbps < lo {
		return lo
	}
	if hi > 0 && kbps > hi {
		return hi
	}
	return kbps
}

// paceFrame sleeps until the next FPS deadline. Pacing runs after encode so
// variable encode latency is absorbed into the frame period; when the
// deadline has already passed there is no sleep.
func (m *Manager) paceFrame() {
	if m.cfg.MaxFPS > 0 && !m.lastFrameTime.IsZero() {
		period := time.Duration(float64(time.Second) / m.cfg.MaxFPS)
		if wait := time.Until(m.lastFrameTime.Add(period)); wait > 0 {
			time.Sleep(wait)
		}
	}
	m.lastFrameTime = time.Now()
}
