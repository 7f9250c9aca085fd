package httpserver

import (
	"net/http"
	"time"

	"github.com/avatarmeet/meetsignal/internal/room"
)

// MeetDeps are the live components the meeting endpoints report on.
type MeetDeps struct {
	Rooms     *room.Directory
	ConnCount func() int
	Started   time.Time
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	UptimeSecs  int64  `json:"uptimeSeconds"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

type roomsResponse struct {
	Count int         `json:"count"`
	Rooms []room.Info `json:"rooms"`
}

// RegisterMeetRoutes adds GET /health and GET /rooms. Both sit behind the
// origin policy so browser dashboards can call them cross-origin.
func (s *Server) RegisterMeetRoutes(deps MeetDeps) {
	s.HandleWithOrigin("GET /health", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		WriteJSON(w, http.StatusOK, healthResponse{
			Status:      "OK",
			Timestamp:   now.UTC().Format(time.RFC3339),
			UptimeSecs:  int64(now.Sub(deps.Started).Seconds()),
			Connections: deps.ConnCount(),
			Rooms:       len(deps.Rooms.Snapshot()),
		})
	})

	s.HandleWithOrigin("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms := deps.Rooms.Snapshot()
		WriteJSON(w, http.StatusOK, roomsResponse{Count: len(rooms), Rooms: rooms})
	})
}
