package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telestrator/internal/frame"
)

// fakeSource replays queued frames; when empty it behaves like a capture
// timeout slice, returning no frame after a short wait.
type fakeSource struct {
	mu     sync.Mutex
	frames []*frame.Buffer
}

func (s *fakeSource) push(f *frame.Buffer) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *fakeSource) GetFrame() (*frame.Buffer, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeEncoder records every Encode/SetRate call.
type fakeEncoder struct {
	mu      sync.Mutex
	encodes []Flags
	rates   []RateParameters
}

func (e *fakeEncoder) Encode(f *frame.Buffer, flags Flags) ([]byte, error) {
	e.mu.Lock()
	e.encodes = append(e.encodes, flags)
	e.mu.Unlock()
	return []byte{0x00, 0x00, 0x00, 0x01}, nil
}

func (e *fakeEncoder) SetRate(rate RateParameters) error {
	e.mu.Lock()
	e.rates = append(e.rates, rate)
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) Close() error { return nil }

func (e *fakeEncoder) encodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encodes)
}

func (e *fakeEncoder) lastRate() (RateParameters, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rates) == 0 {
		return RateParameters{}, false
	}
	return e.rates[len(e.rates)-1], true
}

func newTestManager(cfg Config) (*Manager, *fakeSource, *fakeEncoder, chan ControlMessage, *Broadcaster) {
	src := &fakeSource{}
	enc := &fakeEncoder{}
	control := make(chan ControlMessage, 64)
	results := NewBroadcaster()
	m := NewManager(cfg, src, enc, control, results)
	return m, src, enc, control, results
}

func defaultTestConfig() Config {
	return Config{
		MinBitrateKbps:   200,
		StartBitrateKbps: 1000,
		MaxBitrateKbps:   4000,
		MaxFPS:           1000, // effectively unpaced unless a test says otherwise
	}
}

func TestComputeTargetBitrate(t *testing.T) {
	cases := []struct {
		name          string
		min, max      uint32
		clients       map[string]uint32
		want          uint32
	}{
		{"empty table uses start", 200, 4000, nil, 1000},
		{"min of clients", 200, 4000, map[string]uint32{"a": 1500, "b": 500}, 500},
		{"floor applies", 200, 4000, map[string]uint32{"a": 100}, 200},
		{"cap applies", 200, 4000, map[string]uint32{"a": 9000}, 4000},
		{"zero min disables floor", 0, 4000, map[string]uint32{"a": 50}, 50},
		{"zero max disables cap", 200, 0, map[string]uint32{"a": 9000}, 9000},
		{"both zero unclamped", 0, 0, map[string]uint32{"a": 7}, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultTestConfig()
			cfg.MinBitrateKbps = tc.min
			cfg.MaxBitrateKbps = tc.max
			m, _, _, _, _ := newTestManager(cfg)
			for id, kbps := range tc.clients {
				m.clientBitrates[id] = kbps
			}
			assert.Equal(t, tc.want, m.computeTargetBitrate())
		})
	}
}

func TestAggregationMonotonicity(t *testing.T) {
	m, _, _, _, _ := newTestManager(defaultTestConfig())
	m.clientBitrates["a"] = 600
	base := m.computeTargetBitrate()

	// Adding a faster peer leaves the target unchanged.
	m.clientBitrates["b"] = 3000
	assert.Equal(t, base, m.computeTargetBitrate())

	// Removing the unique minimum strictly increases the target.
	delete(m.clientBitrates, "a")
	assert.Greater(t, m.computeTargetBitrate(), base)
}

func TestRateConvergenceScenario(t *testing.T) {
	// Peers A, B join; B reports 500; A reports 1500; bounds (200, 1000, 4000).
	m, _, enc, _, _ := newTestManager(defaultTestConfig())

	require.NoError(t, m.handleControl(ClientJoined{ID: "A"}))
	require.NoError(t, m.handleControl(ClientJoined{ID: "B"}))
	assert.Equal(t, uint32(1000), m.targetBitrate)

	require.NoError(t, m.handleControl(BandwidthEstimate{ID: "B", BitrateKbps: 500}))
	require.NoError(t, m.handleControl(BandwidthEstimate{ID: "A", BitrateKbps: 1500}))
	assert.Equal(t, uint32(500), m.targetBitrate)

	require.NoError(t, m.handleControl(ClientLeft{ID: "A"}))
	assert.Equal(t, uint32(500), m.targetBitrate)

	require.NoError(t, m.handleControl(BandwidthEstimate{ID: "B", BitrateKbps: 100}))
	assert.Equal(t, uint32(200), m.targetBitrate, "floored at min")

	require.NoError(t, m.handleControl(ClientLeft{ID: "B"}))
	assert.Equal(t, uint32(1000), m.targetBitrate, "back to start with no clients")

	rate, ok := enc.lastRate()
	require.True(t, ok)
	assert.Equal(t, uint32(1000), rate.TargetBitrateKbps)
	assert.Equal(t, m.cfg.MaxFPS, rate.MaxFPS)
}

func TestSetRateOnlyOnChange(t *testing.T) {
	m, _, enc, _, _ := newTestManager(defaultTestConfig())

	require.NoError(t, m.handleControl(ClientJoined{ID: "A"})) // target stays at start
	require.NoError(t, m.handleControl(BandwidthEstimate{ID: "A", BitrateKbps: 1000}))
	assert.Empty(t, enc.rates, "unchanged target must not reconfigure the encoder")

	require.NoError(t, m.handleControl(BandwidthEstimate{ID: "A", BitrateKbps: 700}))
	assert.Len(t, enc.rates, 1)
}

func TestJoinInsertsCappedStartBitrate(t *testing.T) {
	m, _, _, _, _ := newTestManager(defaultTestConfig())
	m.targetBitrate = 400 // a slow client already forced the target down

	require.NoError(t, m.handleControl(ClientJoined{ID: "new"}))
	assert.Equal(t, uint32(400), m.clientBitrates["new"],
		"a new client must not bounce the shared target above the current one")
}

func TestRequestKeyframeSetsFlagForNextEncode(t *testing.T) {
	m, src, enc, control, _ := newTestManager(defaultTestConfig())

	control <- ClientJoined{ID: "A"}
	control <- RequestKeyframe{}
	src.push(i420Frame(640, 360))
	src.push(i420Frame(640, 360))

	done := make(chan error, 1)
	go func() { done <- m.RunForever() }()

	require.Eventually(t, func() bool { return enc.encodeCount() >= 2 },
		2*time.Second, 5*time.Millisecond)
	close(control)
	require.NoError(t, <-done)

	assert.True(t, enc.encodes[0].ForceKeyframe, "flag snapshot applies to the next frame")
	assert.False(t, enc.encodes[1].ForceKeyframe, "flag cleared after the snapshot")
}

func TestIdleManagerPerformsNoWork(t *testing.T) {
	m, src, enc, control, _ := newTestManager(defaultTestConfig())
	src.push(i420Frame(640, 360))

	done := make(chan error, 1)
	go func() { done <- m.RunForever() }()

	// No clients: over 200 ms the manager must not encode or broadcast.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, enc.encodeCount())

	close(control)
	require.NoError(t, <-done)
}

func TestPacingBoundsBroadcastRate(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxFPS = 100
	m, src, enc, control, _ := newTestManager(cfg)

	control <- ClientJoined{ID: "A"}
	for i := 0; i < 200; i++ {
		src.push(i420Frame(64, 36))
	}

	done := make(chan error, 1)
	go func() { done <- m.RunForever() }()

	window := 200 * time.Millisecond
	time.Sleep(window)
	encoded := enc.encodeCount()
	close(control)
	<-done

	// At 100 fps, a 200 ms window admits at most 21 frames; allow slack for
	// scheduler jitter but catch an unpaced loop outright.
	assert.LessOrEqual(t, encoded, 25, "pacing must bound the frame rate")
	assert.Greater(t, encoded, 5, "pacing must not stall the feed")
}

func TestFatalEncodeErrorStopsFeed(t *testing.T) {
	m, src, _, control, _ := newTestManager(defaultTestConfig())
	failing := &failingEncoder{}
	m.encoder = failing

	control <- ClientJoined{ID: "A"}
	src.push(i420Frame(640, 360))

	err := make(chan error, 1)
	go func() { err <- m.RunForever() }()

	select {
	case e := <-err:
		require.Error(t, e)
		assert.Contains(t, e.Error(), "encode frame")
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not propagate the encoder failure")
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(*frame.Buffer, Flags) ([]byte, error) {
	return nil, &EncoderError{Backend: "fake", Call: "EncodeFrame", Status: 13}
}
func (failingEncoder) SetRate(RateParameters) error { return nil }
func (failingEncoder) Close() error                 { return nil }
