package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// Signaling protocol values. Every message on the wire is a flat JSON object
// discriminated by "type"; inbound messages must carry "client_id".
const (
	TypeConnection = "connection"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeIce        = "ice"
	TypeClose      = "close"
	TypeInfo       = "info"

	RetSuccess = "success"
	RetFault   = "fault"
)

// Signal is one signaling message. Outbound messages always name the camera
// and the client they concern; ret/description are outbound-only fields.
type Signal struct {
	Type          string  `json:"type"`
	ClientId      string  `json:"client_id,omitempty"`
	Camera        string  `json:"camera,omitempty"`
	Ret           string  `json:"ret,omitempty"`
	Description   string  `json:"description,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SdpMid        *string `json:"sdpMid,omitempty"`
}

// Marshal never fails for Signal's field set.
func (s Signal) Marshal() []byte {
	b, _ := json.Marshal(s)
	return b
}

func successMessage(camera string, clientId string, msgType string, description string) Signal {
	return Signal{
		Type:        msgType,
		ClientId:    clientId,
		Camera:      camera,
		Ret:         RetSuccess,
		Description: description,
	}
}

func faultMessage(camera string, clientId string, msgType string, description string) Signal {
	return Signal{
		Type:        msgType,
		ClientId:    clientId,
		Camera:      camera,
		Ret:         RetFault,
		Description: description,
	}
}

func offerMessage(camera string, clientId string, sdp string) Signal {
	return Signal{
		Type:     TypeOffer,
		ClientId: clientId,
		Camera:   camera,
		SDP:      sdp,
	}
}

func answerMessage(camera string, clientId string, sdp string) Signal {
	return Signal{
		Type:     TypeAnswer,
		ClientId: clientId,
		Camera:   camera,
		SDP:      sdp,
	}
}

func iceMessage(camera string, clientId string, c *webrtc.ICECandidate) Signal {
	init := c.ToJSON()
	return Signal{
		Type:          TypeIce,
		ClientId:      clientId,
		Camera:        camera,
		Candidate:     init.Candidate,
		SdpMLineIndex: init.SDPMLineIndex,
		SdpMid:        init.SDPMid,
	}
}
