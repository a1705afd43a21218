package rtc

import (
	"os"

	"github.com/pion/webrtc/v3"
)

type ICEServer struct {
	URLs           []string    `json:"urls"`
	Username       string      `json:"username,omitempty"`
	Credential     interface{} `json:"credential,omitempty"`
	CredentialType string      `json:"credentialType,omitempty"`
}

type Configuration struct {
	ICEServers []ICEServer `json:"iceServers"`
}

func iceServerFromEnv(urlKey string, usernameKey string, passwordKey string) (ICEServer, bool) {
	url, hasEnv := os.LookupEnv(urlKey)
	if !hasEnv || url == "" {
		return ICEServer{}, false
	}
	iceServer := ICEServer{
		URLs: []string{url},
	}
	username := os.Getenv(usernameKey)
	if username != "" {
		iceServer.Username = username
	}
	password := os.Getenv(passwordKey)
	if password != "" {
		iceServer.Credential = password
		iceServer.CredentialType = "password"
	}
	return iceServer, true
}

// GetRtcConfig assembles the ICE server list from the environment. Both
// entries are optional; with neither set the sessions run host-candidates
// only, which is fine on a flat deployment network.
func GetRtcConfig() Configuration {
	iceServers := make([]ICEServer, 0)

	if server, ok := iceServerFromEnv("TURN_SERVER_URL", "TURN_SERVER_USERNAME", "TURN_SERVER_PASSWORD"); ok {
		iceServers = append(iceServers, server)
	}
	if server, ok := iceServerFromEnv("STUN_SERVER_URL", "STUN_SERVER_USERNAME", "STUN_SERVER_PASSWORD"); ok {
		iceServers = append(iceServers, server)
	}

	return Configuration{ICEServers: iceServers}
}

// WebrtcConfiguration converts the env-derived list into pion's form.
func (c Configuration) WebrtcConfiguration() webrtc.Configuration {
	parsedServers := make([]webrtc.ICEServer, len(c.ICEServers))
	for i, iceServer := range c.ICEServers {
		server := webrtc.ICEServer{
			URLs:       iceServer.URLs,
			Username:   iceServer.Username,
			Credential: iceServer.Credential,
		}
		if iceServer.CredentialType == "password" {
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		parsedServers[i] = server
	}
	return webrtc.Configuration{ICEServers: parsedServers}
}
