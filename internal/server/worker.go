package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telestrator/internal/feed"
	"telestrator/internal/rtpext"
)

// runWorker owns one peer connection for the lifetime of one session. It
// answers the offer, waits for ICE to connect, then pumps encoded samples
// from its broadcast subscription into the WebRTC track. Peer lifecycle
// events are translated into feed control messages; every ClientJoined is
// matched by exactly one ClientLeft on every exit path.
func (s *Server) runWorker(offer Offer) {
	id := uuid.New().String()
	logger := log.With().Str("client", id).Logger()

	pc, track, sender, err := s.newPeerConnection()
	if err != nil {
		logger.Error().Err(err).Msg("peer connection setup")
		offer.Reply <- nil
		return
	}

	s.trackSession(id)
	defer s.forgetSession(id)
	defer func() {
		if err := pc.Close(); err != nil {
			logger.Warn().Err(err).Msg("peer connection close")
		}
	}()

	var (
		doneOnce sync.Once
		done     = make(chan struct{})
	)
	signalDone := func() { doneOnce.Do(func() { close(done) }) }

	var readyOnce sync.Once
	ready := make(chan struct{})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Info().Stringer("state", state).Msg("ICE connection state")
		if state == webrtc.ICEConnectionStateConnected {
			readyOnce.Do(func() { close(ready) })
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			logger.Info().Msg("peer connection failed")
			signalDone()
		}
	})

	go s.readRTCP(sender, id, done, logger)

	answer, err := negotiate(pc, offer.SDP)
	if err != nil {
		logger.Error().Err(err).Msg("negotiation")
		offer.Reply <- nil
		return
	}
	offer.Reply <- answer

	select {
	case <-ready:
	case <-done:
		return
	case <-s.shutdown:
		return
	}

	s.sendControl(feed.ClientJoined{ID: id}, done)
	defer s.sendControl(feed.ClientLeft{ID: id}, nil)

	// A fresh subscriber needs an IDR before it can decode anything.
	s.sendControl(feed.RequestKeyframe{}, done)

	s.writeLoop(track, done, logger)
	signalDone()
}

func (s *Server) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, *webrtc.RTPSender, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, err
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: rtpext.PlayoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		return nil, nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, nil, nil, err
	}
	registry.Add(rtpext.NewPlayoutDelayInterceptor(0, 0))

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "telestrator",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	return pc, track, sender, nil
}

// negotiate answers the remote offer and waits for ICE gathering so the
// answer carries all candidates.
func negotiate(pc *webrtc.PeerConnection, sdp webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}

// writeLoop receives encoded samples and writes them to the track with their
// wall-clock duration. Broadcast lag is dropped silently; a closed broadcast
// or a write failure ends the session.
func (s *Server) writeLoop(track *webrtc.TrackLocalStaticSample, done <-chan struct{}, logger zerolog.Logger) {
	sub := s.results.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
		case <-s.shutdown:
		case <-ctx.Done():
		}
		cancel()
	}()

	lastWrite := time.Now()
	for {
		data, err := sub.Recv(ctx)
		switch err.(type) {
		case nil:
		case *feed.LagError:
			// Replaced within one frame period by a newer sample.
			continue
		default:
			return
		}

		now := time.Now()
		duration := now.Sub(lastWrite)
		lastWrite = now

		if err := track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			logger.Warn().Err(err).Msg("write sample")
			return
		}
	}
}

// readRTCP drains sender reports from the peer. Bandwidth estimates feed the
// shared bitrate aggregation; loss indications request a keyframe.
func (s *Server) readRTCP(sender *webrtc.RTPSender, id string, done <-chan struct{}, logger zerolog.Logger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				kbps := uint32(p.Bitrate / 1000)
				logger.Debug().Uint32("kbps", kbps).Msg("bandwidth estimate")
				s.sendControl(feed.BandwidthEstimate{ID: id, BitrateKbps: kbps}, done)
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.sendControl(feed.RequestKeyframe{}, done)
			}
		}
	}
}

// sendControl forwards a control message to the feed manager. With a nil
// abort channel the send is unconditional (used for ClientLeft, which must
// reach the manager on every exit path).
func (s *Server) sendControl(msg feed.ControlMessage, abort <-chan struct{}) {
	if abort == nil {
		s.control <- msg
		return
	}
	select {
	case s.control <- msg:
	case <-abort:
	}
}
