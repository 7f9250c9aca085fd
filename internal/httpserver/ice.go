package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/avatarmeet/meetsignal/internal/turnrest"
)

type iceConfigResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// RegisterICEConfigRoute serves the ICE servers clients should hand to
// RTCPeerConnection. When a TURN REST generator is set, TURN entries get
// short-lived credentials minted per request; gen may be nil.
func (s *Server) RegisterICEConfigRoute(gen *turnrest.Generator) {
	s.HandleWithOrigin("GET /ice-config", func(w http.ResponseWriter, r *http.Request) {
		servers := make([]webrtc.ICEServer, len(s.cfg.ICEServers))
		copy(servers, s.cfg.ICEServers)

		if gen != nil {
			creds, err := gen.GenerateRandom()
			if err != nil {
				s.log.Error("turn rest credential generation failed", "err", err)
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate TURN credentials"})
				return
			}
			for i := range servers {
				if iceServerHasTURNURL(servers[i]) {
					servers[i].Username = creds.Username
					servers[i].Credential = creds.Credential
				}
			}
		}

		WriteJSON(w, http.StatusOK, iceConfigResponse{ICEServers: servers})
	})
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		trimmed := strings.TrimSpace(url)
		if strings.HasPrefix(trimmed, "turn:") || strings.HasPrefix(trimmed, "turns:") {
			return true
		}
	}
	return false
}
