package rtc

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/reactivex/rxgo/v2"
	"github.com/rs/zerolog/log"
)

// Session is one viewer's connection to a camera: the peer connection, the
// per-session outbound track and the branch subscription feeding it. Sessions
// are created and destroyed by the Manager only; the camera side is always
// the offerer.
type Session struct {
	ClientId string
	Camera   string

	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	send   func(Signal)
	onGone func(clientId string, reason string)

	mu        sync.Mutex
	hasRemote bool
	pending   []*webrtc.ICECandidate
	closed    bool
}

func newSession(api *webrtc.API, conf webrtc.Configuration, codec webrtc.RTPCodecCapability,
	camera string, clientId string, send func(Signal), onGone func(string, string)) (*Session, error) {

	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, "video", camera)
	if err != nil {
		pc.Close()
		return nil, err
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, err
	}
	processRTCP(sender)

	s := &Session{
		ClientId: clientId,
		Camera:   camera,
		pc:       pc,
		track:    track,
		sender:   sender,
		send:     send,
		onGone:   onGone,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.Lock()
		if !s.hasRemote {
			s.pending = append(s.pending, c)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.send(iceMessage(s.Camera, s.ClientId, c))
	})

	pc.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		log.Info().
			Str("camera", camera).
			Str("client_id", clientId).
			Str("state", connectionState.String()).
			Msg("ICE connection state changed")
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().
			Str("camera", camera).
			Str("client_id", clientId).
			Str("state", state.String()).
			Msg("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			go s.onGone(clientId, state.String())
		}
	})

	return s, nil
}

// negotiate starts the offer/answer exchange. Adding the track made
// negotiation necessary, so the manager kicks this once the branch is
// spliced; the answer comes back through HandleAnswer.
func (s *Session) negotiate() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("create offer failed")
		s.send(faultMessage(s.Camera, s.ClientId, TypeOffer, "offer creation failed"))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("set local description failed")
		s.send(faultMessage(s.Camera, s.ClientId, TypeOffer, "offer creation failed"))
		return
	}
	s.send(offerMessage(s.Camera, s.ClientId, offer.SDP))
}

func (s *Session) applyOffer(sdp string) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{SDP: sdp, Type: webrtc.SDPTypeOffer}); err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("apply offer failed")
		return
	}
	s.remoteArrived()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("create answer failed")
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("set local description failed")
		return
	}
	s.send(answerMessage(s.Camera, s.ClientId, answer.SDP))
}

func (s *Session) applyAnswer(sdp string) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{SDP: sdp, Type: webrtc.SDPTypeAnswer}); err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("apply answer failed")
		return
	}
	s.remoteArrived()
}

// remoteArrived flushes locally gathered candidates that were held back until
// the peer could make sense of them.
func (s *Session) remoteArrived() {
	s.mu.Lock()
	s.hasRemote = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.send(iceMessage(s.Camera, s.ClientId, c))
	}
}

func (s *Session) addCandidate(candidate string, mlineIndex *uint16, mid *string) {
	s.mu.Lock()
	hasRemote := s.hasRemote
	s.mu.Unlock()
	if !hasRemote {
		log.Warn().
			Str("client_id", s.ClientId).
			Msg("received candidate before remote description, ignoring")
		return
	}
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMLineIndex: mlineIndex,
		SDPMid:        mid,
	})
	if err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("add ice candidate failed")
	}
}

// writeLoop relays branch samples into the session's track until the branch
// subscription is torn down.
func (s *Session) writeLoop(obs rxgo.Observable) {
	for item := range obs.Observe() {
		if item.Error() {
			log.Warn().Err(item.E).Str("client_id", s.ClientId).Msg("branch stream error")
			continue
		}
		sample, ok := item.V.(media.Sample)
		if !ok {
			continue
		}
		if err := s.track.WriteSample(sample); err != nil {
			log.Debug().Err(err).Str("client_id", s.ClientId).Msg("sample write failed")
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.pc.RemoveTrack(s.sender)
	if err := s.pc.Close(); err != nil {
		log.Err(err).Str("client_id", s.ClientId).Msg("peer connection close failed")
	}
}

func processRTCP(rtpSender *webrtc.RTPSender) {
	go func() {
		rtcpBuf := make([]byte, 1500)

		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
}
