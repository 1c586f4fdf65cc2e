package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickAccumulatesAndClears(t *testing.T) {
	s := New("test")

	// First tick only arms the timer.
	s.Tick()
	assert.Empty(t, s.acc)

	for i := 0; i < accumulatorSize; i++ {
		s.Tick()
	}
	// The emission at the size boundary clears the ring.
	assert.Empty(t, s.acc)
}

func TestSubTimers(t *testing.T) {
	s := New("test")

	s.Start("encode")
	time.Sleep(time.Millisecond)
	s.End("encode")

	assert.Len(t, s.subAcc["encode"], 1)
	assert.GreaterOrEqual(t, s.subAcc["encode"][0], uint32(1000))
}

func TestStartWithActiveTimerIsIgnored(t *testing.T) {
	s := New("test")

	s.Start("op")
	first := s.trackers["op"]
	s.Start("op") // ignored, keeps the original start time
	assert.Equal(t, first, s.trackers["op"])

	s.End("op")
	assert.Len(t, s.subAcc["op"], 1)
}

func TestEndWithoutStartIsIgnored(t *testing.T) {
	s := New("test")
	s.End("never-started")
	assert.Empty(t, s.subAcc)
}

func TestTrackAccumulatesByLabel(t *testing.T) {
	s := New("test")

	s.Track("bitstream", 100, "B")
	s.Track("bitstream", 300, "B")
	s.Track("queue", 2, "")

	assert.Equal(t, []uint32{100, 300}, s.values["bitstream"].samples)
	assert.Equal(t, "B", s.values["bitstream"].unit)
	assert.Len(t, s.values["queue"].samples, 1)
	assert.InDelta(t, 200, average(s.values["bitstream"].samples), 0.001)
}

func TestAverageEmpty(t *testing.T) {
	assert.Zero(t, average(nil))
}
