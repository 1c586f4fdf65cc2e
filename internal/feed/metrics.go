package feed

import "sync/atomic"

// Global counters for simple health metrics.
var (
	framesIn         atomic.Uint64 // frames pulled from the source
	framesEncoded    atomic.Uint64 // frames that produced encoded output
	samplesBroadcast atomic.Uint64 // samples handed to at least one subscriber
	clientsJoined    atomic.Uint64
	clientsLeft      atomic.Uint64
)

// ResetCounters resets all metrics to zero.
func ResetCounters() {
	framesIn.Store(0)
	framesEncoded.Store(0)
	samplesBroadcast.Store(0)
	clientsJoined.Store(0)
	clientsLeft.Store(0)
}

// GetCounters returns a snapshot of current metrics.
func GetCounters() map[string]uint64 {
	return map[string]uint64{
		"frames_in":         framesIn.Load(),
		"frames_encoded":    framesEncoded.Load(),
		"samples_broadcast": samplesBroadcast.Load(),
		"clients_joined":    clientsJoined.Load(),
		"clients_left":      clientsLeft.Load(),
	}
}

func incFramesIn()      { framesIn.Add(1) }
func incFramesEncoded() { framesEncoded.Add(1) }
func incSamplesBroadcast(n int) {
	if n > 0 {
		samplesBroadcast.Add(1)
	}
}
func incClientsJoined() { clientsJoined.Add(1) }
func incClientsLeft()   { clientsLeft.Add(1) }
