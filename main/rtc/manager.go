package rtc

import (
	"strings"
	"sync"

	"github.com/olebedev/emitter"
	"github.com/pion/webrtc/v3"
	"github.com/reactivex/rxgo/v2"
	"github.com/rs/zerolog/log"
)

// Fanout is the shared pipeline's fan-out point. A per-session branch is
// spliced by subscribing under the session's client id and unspliced by
// unsubscribing it.
type Fanout interface {
	Subscribe(id string) (rxgo.Observable, error)
	Unsubscribe(id string)
}

// Manager owns every viewer session of one camera. All lifecycle faults are
// answered on the signaling path; none of them escape as errors. The
// idle/active edge hook runs synchronously under the session lock, exactly
// once per 0→1 and 1→0 transition.
type Manager struct {
	camera string
	api    *webrtc.API
	conf   webrtc.Configuration
	codec  webrtc.RTPCodecCapability
	fanout Fanout
	send   func(Signal)

	mu       sync.Mutex
	sessions map[string]*Session

	activeHook func(active bool)

	e *emitter.Emitter
}

func NewManager(camera string, codec webrtc.RTPCodecCapability, api *webrtc.API,
	conf webrtc.Configuration, fanout Fanout, send func(Signal)) *Manager {

	if send == nil {
		send = func(s Signal) {
			log.Debug().Str("camera", camera).Str("type", s.Type).Msg("no signal sender bound, dropping message")
		}
	}
	return &Manager{
		camera:   camera,
		api:      api,
		conf:     conf,
		codec:    codec,
		fanout:   fanout,
		send:     send,
		sessions: make(map[string]*Session),
		e:        &emitter.Emitter{},
	}
}

// SetSender replaces the outbound signaling capability. The manager never
// stores anything about the transport beyond this closure.
func (m *Manager) SetSender(send func(Signal)) {
	m.mu.Lock()
	m.send = send
	m.mu.Unlock()
}

// SetActiveHook registers the idle/active edge action. The hook runs with the
// session lock held and must not call back into the manager.
func (m *Manager) SetActiveHook(hook func(active bool)) {
	m.mu.Lock()
	m.activeHook = hook
	m.mu.Unlock()
}

func (m *Manager) setActiveLocked(active bool) {
	if m.activeHook != nil {
		m.activeHook(active)
	}
}

// OpenSession creates the session for clientId, splices its branch and kicks
// negotiation. Duplicate ids and a missing fan-out answer with a fault and
// change nothing.
func (m *Manager) OpenSession(clientId string) {
	m.mu.Lock()
	if _, exists := m.sessions[clientId]; exists {
		m.mu.Unlock()
		log.Warn().Str("camera", m.camera).Str("client_id", clientId).Msg("duplicate session open")
		m.dispatchSignal(faultMessage(m.camera, clientId, TypeConnection, "session already exists"))
		return
	}
	if m.fanout == nil {
		m.mu.Unlock()
		m.dispatchSignal(faultMessage(m.camera, clientId, TypeConnection, "camera pipeline not ready"))
		return
	}

	obs, err := m.fanout.Subscribe(clientId)
	if err != nil {
		m.mu.Unlock()
		log.Err(err).Str("camera", m.camera).Str("client_id", clientId).Msg("branch subscribe failed")
		m.dispatchSignal(faultMessage(m.camera, clientId, TypeConnection, "branch subscription failed"))
		return
	}

	s, err := newSession(m.api, m.conf, m.codec, m.camera, clientId, m.dispatchSignal, m.dropSession)
	if err != nil {
		m.fanout.Unsubscribe(clientId)
		m.mu.Unlock()
		log.Err(err).Str("camera", m.camera).Str("client_id", clientId).Msg("session construction failed")
		m.dispatchSignal(faultMessage(m.camera, clientId, TypeConnection, "session construction failed"))
		return
	}

	m.sessions[clientId] = s
	first := len(m.sessions) == 1
	if first {
		m.setActiveLocked(true)
	}
	m.mu.Unlock()

	go s.writeLoop(obs)
	if first {
		go m.e.Emit("firstconnection")
	}

	log.Info().Str("camera", m.camera).Str("client_id", clientId).Msg("session opened")
	m.dispatchSignal(successMessage(m.camera, clientId, TypeConnection, "session opened"))
	s.negotiate()
}

// CloseSession tears the branch down before the session disappears from the
// map. Closing an unknown id answers with a fault and changes nothing.
func (m *Manager) CloseSession(clientId string) {
	m.mu.Lock()
	s, exists := m.sessions[clientId]
	if !exists {
		m.mu.Unlock()
		log.Warn().Str("camera", m.camera).Str("client_id", clientId).Msg("close for unknown session")
		m.dispatchSignal(faultMessage(m.camera, clientId, TypeClose, "no such session"))
		return
	}
	m.teardownLocked(s)
	delete(m.sessions, clientId)
	last := len(m.sessions) == 0
	if last {
		m.setActiveLocked(false)
	}
	m.mu.Unlock()

	if last {
		go m.e.Emit("alldisconnected")
	}
	log.Info().Str("camera", m.camera).Str("client_id", clientId).Msg("session closed")
	m.dispatchSignal(successMessage(m.camera, clientId, TypeClose, "session closed"))
}

// dropSession is the transport-initiated close path, re-entered from peer
// connection state callbacks. Harmless when the session is already gone.
func (m *Manager) dropSession(clientId string, reason string) {
	m.mu.Lock()
	s, exists := m.sessions[clientId]
	if !exists {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(s)
	delete(m.sessions, clientId)
	last := len(m.sessions) == 0
	if last {
		m.setActiveLocked(false)
	}
	m.mu.Unlock()

	if last {
		go m.e.Emit("alldisconnected")
	}
	log.Info().Str("camera", m.camera).Str("client_id", clientId).Str("reason", reason).Msg("session dropped")
	m.dispatchSignal(successMessage(m.camera, clientId, TypeClose, "session dropped: "+reason))
}

func (m *Manager) teardownLocked(s *Session) {
	m.fanout.Unsubscribe(s.ClientId)
	s.close()
}

// HandleOffer applies a remote offer and answers it. Unknown sessions are
// logged and ignored.
func (m *Manager) HandleOffer(clientId string, sdp string) {
	s, ok := m.lookup(clientId)
	if !ok {
		log.Warn().Str("camera", m.camera).Str("client_id", clientId).Msg("offer for unknown session ignored")
		return
	}
	s.applyOffer(sdp)
}

// HandleAnswer applies the viewer's answer to our offer.
func (m *Manager) HandleAnswer(clientId string, sdp string) {
	s, ok := m.lookup(clientId)
	if !ok {
		log.Warn().Str("camera", m.camera).Str("client_id", clientId).Msg("answer for unknown session ignored")
		return
	}
	s.applyAnswer(sdp)
}

// HandleIce feeds a remote candidate into the session. Candidates carrying
// the mDNS marker never reach the negotiation context; they cannot be
// resolved across the deployment's network boundary.
func (m *Manager) HandleIce(clientId string, candidate string, mlineIndex *uint16, mid *string) {
	s, ok := m.lookup(clientId)
	if !ok {
		log.Warn().Str("camera", m.camera).Str("client_id", clientId).Msg("candidate for unknown session ignored")
		return
	}
	if isLinkLocalCandidate(candidate) {
		log.Debug().Str("camera", m.camera).Str("client_id", clientId).Msg("dropping mDNS candidate")
		return
	}
	s.addCandidate(candidate, mlineIndex, mid)
}

func (m *Manager) lookup(clientId string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientId]
	return s, ok
}

// dispatchSignal resolves the current sender under the lock so a sender swap
// cannot race session callbacks.
func (m *Manager) dispatchSignal(s Signal) {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	send(s)
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll drops every session, driving the active→idle edge when any were
// open. Used at camera teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	had := len(sessions) > 0
	for _, s := range sessions {
		m.teardownLocked(s)
	}
	if had {
		m.setActiveLocked(false)
	}
	m.mu.Unlock()

	if had {
		go m.e.Emit("alldisconnected")
	}
}

func (m *Manager) OnFirstConnection(cb func()) {
	go func() {
		for range m.e.On("firstconnection") {
			go cb()
		}
	}()
}

func (m *Manager) OnAllDisconnected(cb func()) {
	go func() {
		for range m.e.On("alldisconnected") {
			go cb()
		}
	}()
}

func isLinkLocalCandidate(candidate string) bool {
	return strings.Contains(candidate, ".local")
}
