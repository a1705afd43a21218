package rtc

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// SessionOps is the slice of the session manager the router dispatches into.
type SessionOps interface {
	OpenSession(clientId string)
	CloseSession(clientId string)
	HandleOffer(clientId string, sdp string)
	HandleAnswer(clientId string, sdp string)
	HandleIce(clientId string, candidate string, mlineIndex *uint16, mid *string)
}

// Router turns raw signaling text into session operations. Anything that does
// not decode into an object carrying client_id and type is logged and
// dropped; the router itself never replies and never panics past Dispatch.
type Router struct {
	camera string
	ops    SessionOps
}

func NewRouter(camera string, ops SessionOps) *Router {
	return &Router{camera: camera, ops: ops}
}

func (r *Router) Dispatch(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Str("camera", r.camera).Err(err).Msg("undecodable signaling message")
		return
	}
	clientId, ok := msg["client_id"].(string)
	if !ok || clientId == "" {
		log.Warn().Str("camera", r.camera).Msg("signaling message without client_id")
		return
	}
	msgType, ok := msg["type"].(string)
	if !ok || msgType == "" {
		log.Warn().Str("camera", r.camera).Str("client_id", clientId).Msg("signaling message without type")
		return
	}

	switch msgType {
	case TypeConnection:
		r.ops.OpenSession(clientId)
	case TypeClose:
		r.ops.CloseSession(clientId)
	case TypeOffer:
		sdp, ok := msg["sdp"].(string)
		if !ok {
			log.Warn().Str("camera", r.camera).Str("client_id", clientId).Msg("offer without sdp string")
			return
		}
		r.ops.HandleOffer(clientId, sdp)
	case TypeAnswer:
		sdp, ok := msg["sdp"].(string)
		if !ok {
			log.Warn().Str("camera", r.camera).Str("client_id", clientId).Msg("answer without sdp string")
			return
		}
		r.ops.HandleAnswer(clientId, sdp)
	case TypeIce:
		candidate, ok := msg["candidate"].(string)
		if !ok {
			log.Warn().Str("camera", r.camera).Str("client_id", clientId).Msg("ice message without candidate string")
			return
		}
		var mlineIndex *uint16
		if v, ok := msg["sdpMLineIndex"].(float64); ok {
			idx := uint16(v)
			mlineIndex = &idx
		}
		var mid *string
		if v, ok := msg["sdpMid"].(string); ok {
			mid = &v
		}
		r.ops.HandleIce(clientId, candidate, mlineIndex, mid)
	default:
		log.Info().
			Str("camera", r.camera).
			Str("client_id", clientId).
			Str("type", msgType).
			Msg("informational signaling message")
	}
}
