package network

import "github.com/pion/webrtc/v4"

// ICEConfig lists the STUN/TURN servers used while gathering candidates.
// The zero value gathers host candidates only, which is enough on one
// machine or LAN.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultICEConfig uses public STUN servers.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	}}
}

// ICEConfigFromURLs builds a config from STUN/TURN urls. Credentials apply to
// every server.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}
