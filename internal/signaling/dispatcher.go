package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avatarmeet/meetsignal/internal/metrics"
	"github.com/avatarmeet/meetsignal/internal/registry"
	"github.com/avatarmeet/meetsignal/internal/room"
	"github.com/avatarmeet/meetsignal/internal/timeline"
)

// Sender delivers one outbound message to one connection. Sends are fire and
// forget: a slow or vanished receiver is the transport's concern, never the
// dispatcher's.
type Sender interface {
	Send(connID, event string, payload any)
}

// clientError is surfaced to the offending caller as a unicast error message
// and never to anyone else.
type clientError struct {
	message string
}

func (e *clientError) Error() string { return e.message }

func errClient(message string) error { return &clientError{message: message} }

const (
	msgRoomIDRequired     = "Room ID is required"
	msgAvatarDataRequired = "Room ID and avatar data are required"
	msgNotAuthorized      = "Not authorized for this room"
	msgRoomNotFound       = "Room not found"
	msgJoinFailed         = "Failed to join room"
	msgInternalError      = "Internal server error"
)

// Dispatcher is the signaling protocol state machine. All handlers run under
// one mutex, so each inbound message observes and mutates the room
// directory, registry and timeline without interleaving.
type Dispatcher struct {
	mu sync.Mutex

	rooms    *room.Directory
	names    *registry.Registry
	timeline *timeline.Log
	sender   Sender
	metrics  *metrics.Metrics
}

func NewDispatcher(rooms *room.Directory, names *registry.Registry, tl *timeline.Log, sender Sender, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		rooms:    rooms,
		names:    names,
		timeline: tl,
		sender:   sender,
		metrics:  m,
	}
}

// HandleConnect records a new transport connection.
func (d *Dispatcher) HandleConnect(connID string) {
	d.metrics.Inc(metrics.ConnectionsOpened)
	slog.Info("connection opened", "connId", connID)
}

// Dispatch routes one validated wire frame. Handler failures become a
// unicast error to the caller; a handler panic is recovered here so one bad
// message can never take down the processing loop.
func (d *Dispatcher) Dispatch(connID string, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in signaling handler", "event", env.Event, "connId", connID, "recover", rec)
			d.sendError(connID, msgInternalError)
		}
	}()

	var err error
	switch env.Event {
	case EventJoinRoom:
		err = d.handleJoin(connID, env.Data)
	case EventOffer, EventAnswer, EventICECandidate:
		err = d.handleSignal(connID, env.Event, env.Data)
	case EventGetRoomInfo:
		err = d.handleGetRoomInfo(connID, env.Data)
	case EventGetTimeline:
		err = d.handleGetTimeline(connID, env.Data)
	case EventAvatarUpdate:
		err = d.handleAvatarUpdate(connID, env.Data)
	default:
		err = errClient(fmt.Sprintf("Unknown event %q", env.Event))
	}

	if err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			d.sendError(connID, ce.message)
			return
		}
		slog.Error("signaling handler failed", "event", env.Event, "connId", connID, "err", err)
		d.sendError(connID, msgInternalError)
	}
}

// HandleDisconnect runs the leave cascade when the transport tears down a
// connection.
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	username := d.names.NameOf(connID)
	left := d.rooms.Leave(connID)

	for _, roomID := range left {
		d.metrics.Inc(metrics.RoomLeaves)

		ev := d.timeline.Append(roomID, timeline.KindUserLeft, username, fmt.Sprintf("%s left the meeting", username))
		d.metrics.Inc(metrics.TimelineEvents)
		d.broadcast(roomID, "", EventTimelineEvent, ev)
		d.broadcast(roomID, "", EventUserLeft, connID)

		if info, ok := d.rooms.Info(roomID); ok {
			d.broadcast(roomID, "", EventRoomInfo, info)
		} else {
			// Last member gone: close out the meeting. The room is already
			// destroyed, so the event only lives in the timeline until the
			// sweep reclaims it.
			d.timeline.Append(roomID, timeline.KindMeetingEnd, timeline.SystemActor, "Meeting ended")
			d.metrics.Inc(metrics.TimelineEvents)
		}
	}

	d.metrics.Inc(metrics.ConnectionsClosed)
	slog.Info("connection closed", "connId", connID, "username", username, "leftRooms", left)
}

func (d *Dispatcher) handleJoin(connID string, data json.RawMessage) error {
	req, err := parseJoinRequest(data)
	if err != nil {
		return errClient(msgRoomIDRequired)
	}
	if req.RoomID == "" {
		return errClient(msgRoomIDRequired)
	}

	// Re-joining a room the connection is already in is a success no-op:
	// refresh the caller's view, emit nothing to anyone else.
	if d.rooms.Contains(req.RoomID, connID) {
		if info, ok := d.rooms.Info(req.RoomID); ok {
			d.sender.Send(connID, EventRoomInfo, info)
		}
		return nil
	}

	firstMember := !d.roomExists(req.RoomID)

	if !d.rooms.Join(req.RoomID, connID, req.Username) {
		d.metrics.Inc(metrics.RoomJoinsRejected)
		return errClient(msgJoinFailed)
	}
	d.metrics.Inc(metrics.RoomJoins)

	username := d.names.NameOf(connID)

	// meeting-start is chronologically the room's first event, so it is
	// appended and broadcast before user-joined.
	if firstMember {
		ev := d.timeline.Append(req.RoomID, timeline.KindMeetingStart, timeline.SystemActor, "Meeting started")
		d.metrics.Inc(metrics.TimelineEvents)
		d.broadcast(req.RoomID, "", EventTimelineEvent, ev)
	}

	ev := d.timeline.Append(req.RoomID, timeline.KindUserJoined, username, fmt.Sprintf("%s joined the meeting", username))
	d.metrics.Inc(metrics.TimelineEvents)
	d.broadcast(req.RoomID, "", EventTimelineEvent, ev)

	d.broadcast(req.RoomID, connID, EventUserJoined, userJoinedOut{UserID: connID, Username: username})

	if info, ok := d.rooms.Info(req.RoomID); ok {
		d.broadcast(req.RoomID, "", EventRoomInfo, info)
	}

	slog.Info("user joined room", "connId", connID, "roomId", req.RoomID, "username", username)
	return nil
}

func (d *Dispatcher) handleSignal(connID, event string, data json.RawMessage) error {
	req, err := parseSignalRequest(data)
	if err != nil {
		return errClient(err.Error())
	}

	body := req.body(event)
	if len(body) == 0 {
		return errClient(fmt.Sprintf("Missing %s payload", event))
	}
	if req.TargetUserID == "" && req.RoomID == "" {
		return errClient("Target user ID or room ID is required")
	}

	out := newSignalOut(event, body, connID)

	// A targeted signal beats a room signal when both are present.
	if req.TargetUserID != "" {
		d.sender.Send(req.TargetUserID, event, out)
	} else {
		d.broadcast(req.RoomID, connID, event, out)
	}

	d.metrics.Inc(metrics.SignalsRelayed)
	slog.Debug("signal relayed", "event", event, "fromUserId", connID, "targetUserId", req.TargetUserID, "roomId", req.RoomID)
	return nil
}

func (d *Dispatcher) handleGetRoomInfo(connID string, data json.RawMessage) error {
	roomID, err := parseRoomIDArg(data)
	if err != nil || roomID == "" {
		return errClient(msgRoomIDRequired)
	}

	if !d.rooms.Contains(roomID, connID) {
		if _, ok := d.rooms.Info(roomID); !ok {
			return errClient(msgRoomNotFound)
		}
		return errClient(msgNotAuthorized)
	}

	info, ok := d.rooms.Info(roomID)
	if !ok {
		return errClient(msgRoomNotFound)
	}
	d.sender.Send(connID, EventRoomInfo, info)
	return nil
}

func (d *Dispatcher) handleGetTimeline(connID string, data json.RawMessage) error {
	roomID, err := parseRoomIDArg(data)
	if err != nil || roomID == "" {
		return errClient(msgRoomIDRequired)
	}

	// Deliberately no membership check: reconnecting clients query their
	// room's history before re-joining. Unknown rooms yield an empty list.
	d.sender.Send(connID, EventTimelineHistory, d.timeline.Events(roomID))
	return nil
}

func (d *Dispatcher) handleAvatarUpdate(connID string, data json.RawMessage) error {
	req, err := parseAvatarUpdateRequest(data)
	if err != nil {
		return errClient(msgAvatarDataRequired)
	}
	if req.RoomID == "" || len(req.AvatarData) == 0 {
		return errClient(msgAvatarDataRequired)
	}

	if !d.rooms.Contains(req.RoomID, connID) {
		return errClient(msgNotAuthorized)
	}

	d.broadcast(req.RoomID, connID, EventAvatarUpdate, avatarUpdateOut{UserID: connID, AvatarData: req.AvatarData})
	d.metrics.Inc(metrics.AvatarUpdates)
	return nil
}

// broadcast fans an event out to every room member, skipping excludeID when
// non-empty.
func (d *Dispatcher) broadcast(roomID, excludeID, event string, payload any) {
	for _, id := range d.rooms.Members(roomID) {
		if id == excludeID {
			continue
		}
		d.sender.Send(id, event, payload)
	}
}

func (d *Dispatcher) sendError(connID, message string) {
	d.metrics.Inc(metrics.ClientErrors)
	d.sender.Send(connID, EventError, errorOut{Message: message})
}

func (d *Dispatcher) roomExists(roomID string) bool {
	_, ok := d.rooms.Info(roomID)
	return ok
}
