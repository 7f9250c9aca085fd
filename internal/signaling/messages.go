package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Client -> server event names.
const (
	EventJoinRoom     = "join-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventGetRoomInfo  = "get-room-info"
	EventGetTimeline  = "get-timeline"
	EventAvatarUpdate = "avatar-update"
)

// Server -> client event names.
const (
	EventRoomInfo        = "room-info"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventTimelineEvent   = "timeline-event"
	EventTimelineHistory = "timeline-history"
	EventError           = "error"
)

// Envelope frames every message in both directions:
//
//	{"event": "<name>", "data": <event-specific JSON>}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a wire frame and rejects trailing garbage. The data
// field stays raw; per-event decoding happens in the handlers.
func ParseEnvelope(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("invalid message frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("message frame missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// joinRequest is the join-room payload. Clients send either an object or the
// legacy bare-string shorthand carrying just the room ID.
type joinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

func parseJoinRequest(data json.RawMessage) (joinRequest, error) {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err == nil {
		return joinRequest{RoomID: roomID}, nil
	}

	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return joinRequest{}, fmt.Errorf("invalid join-room payload: %w", err)
	}
	return req, nil
}

// parseRoomIDArg decodes payloads that are a bare room ID string, accepting
// the object form as well for symmetry with join-room.
func parseRoomIDArg(data json.RawMessage) (string, error) {
	var roomID string
	if err := json.Unmarshal(data, &roomID); err == nil {
		return roomID, nil
	}

	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	return req.RoomID, nil
}

// signalRequest is the shared inbound shape of offer, answer and
// ice-candidate. Exactly one of Offer/Answer/Candidate carries the opaque
// body, matching the event name.
type signalRequest struct {
	RoomID       string          `json:"roomId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

func parseSignalRequest(data json.RawMessage) (signalRequest, error) {
	var req signalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return signalRequest{}, fmt.Errorf("invalid signaling payload: %w", err)
	}
	return req, nil
}

// body returns the opaque payload field matching the event name.
func (r signalRequest) body(event string) json.RawMessage {
	switch event {
	case EventOffer:
		return r.Offer
	case EventAnswer:
		return r.Answer
	case EventICECandidate:
		return r.Candidate
	default:
		return nil
	}
}

// signalOut mirrors signalRequest on the way out, stamped with the sender.
type signalOut struct {
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	FromUserID string          `json:"fromUserId"`
}

func newSignalOut(event string, body json.RawMessage, fromUserID string) signalOut {
	out := signalOut{FromUserID: fromUserID}
	switch event {
	case EventOffer:
		out.Offer = body
	case EventAnswer:
		out.Answer = body
	case EventICECandidate:
		out.Candidate = body
	}
	return out
}

// avatarUpdateRequest is the avatar-update payload. The avatar data is
// treated as an opaque JSON document.
type avatarUpdateRequest struct {
	RoomID     string          `json:"roomId"`
	AvatarData json.RawMessage `json:"avatarData,omitempty"`
}

func parseAvatarUpdateRequest(data json.RawMessage) (avatarUpdateRequest, error) {
	var req avatarUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return avatarUpdateRequest{}, fmt.Errorf("invalid avatar-update payload: %w", err)
	}
	return req, nil
}

type avatarUpdateOut struct {
	UserID     string          `json:"userId"`
	AvatarData json.RawMessage `json:"avatarData"`
}

type userJoinedOut struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type errorOut struct {
	Message string `json:"message"`
}
