package signaling

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/avatarmeet/meetsignal/internal/metrics"
	"github.com/avatarmeet/meetsignal/internal/registry"
	"github.com/avatarmeet/meetsignal/internal/room"
	"github.com/avatarmeet/meetsignal/internal/timeline"
)

type sentFrame struct {
	connID  string
	event   string
	payload any
}

type fakeSender struct {
	frames []sentFrame
}

func (f *fakeSender) Send(connID, event string, payload any) {
	f.frames = append(f.frames, sentFrame{connID: connID, event: event, payload: payload})
}

func (f *fakeSender) reset() { f.frames = nil }

func (f *fakeSender) to(connID string) []sentFrame {
	var out []sentFrame
	for _, fr := range f.frames {
		if fr.connID == connID {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSender) events(connID string) []string {
	var out []string
	for _, fr := range f.to(connID) {
		out = append(out, fr.event)
	}
	return out
}

type dispatcherFixture struct {
	d      *Dispatcher
	sender *fakeSender
	rooms  *room.Directory
	tl     *timeline.Log
	m      *metrics.Metrics
}

func newDispatcherFixture(capacity int) *dispatcherFixture {
	names := registry.New("user")
	rooms := room.NewDirectory(capacity, names)
	tl := timeline.NewLog(1000, 24*time.Hour)
	sender := &fakeSender{}
	m := metrics.New()
	return &dispatcherFixture{
		d:      NewDispatcher(rooms, names, tl, sender, m),
		sender: sender,
		rooms:  rooms,
		tl:     tl,
		m:      m,
	}
}

func (fx *dispatcherFixture) dispatch(t *testing.T, connID, event, data string) {
	t.Helper()
	fx.d.Dispatch(connID, Envelope{Event: event, Data: json.RawMessage(data)})
}

func (fx *dispatcherFixture) join(t *testing.T, connID, roomID, username string) {
	t.Helper()
	fx.dispatch(t, connID, EventJoinRoom,
		fmt.Sprintf(`{"roomId":%q,"username":%q}`, roomID, username))
}

func eventSequence(frames []sentFrame) []string {
	var out []string
	for _, fr := range frames {
		out = append(out, fr.event)
	}
	return out
}

func requireEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestJoinFirstMemberFanout(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")

	got := fx.sender.to("conn-a")
	requireEvents(t, eventSequence(got), []string{EventTimelineEvent, EventTimelineEvent, EventRoomInfo})

	start, ok := got[0].payload.(timeline.Event)
	if !ok {
		t.Fatalf("first frame payload is %T, want timeline.Event", got[0].payload)
	}
	if start.Kind != timeline.KindMeetingStart || start.Username != timeline.SystemActor {
		t.Fatalf("first event = %+v, want meeting-start by system", start)
	}

	joined := got[1].payload.(timeline.Event)
	if joined.Kind != timeline.KindUserJoined || joined.Username != "alice" {
		t.Fatalf("second event = %+v, want user-joined by alice", joined)
	}
	if joined.Message != "alice joined the meeting" {
		t.Fatalf("message = %q", joined.Message)
	}

	info := got[2].payload.(room.Info)
	if info.RoomID != "r1" || info.UserCount != 1 || info.Users[0].Username != "alice" {
		t.Fatalf("room info = %+v", info)
	}
}

func TestJoinSecondMemberNotifiesExisting(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.sender.reset()

	fx.join(t, "conn-b", "r1", "bob")

	// The existing member hears the timeline event, the join notification
	// and the refreshed roster.
	requireEvents(t, fx.sender.events("conn-a"),
		[]string{EventTimelineEvent, EventUserJoined, EventRoomInfo})

	// The joiner hears everything except its own user-joined.
	requireEvents(t, fx.sender.events("conn-b"),
		[]string{EventTimelineEvent, EventRoomInfo})

	var uj userJoinedOut
	for _, fr := range fx.sender.to("conn-a") {
		if fr.event == EventUserJoined {
			uj = fr.payload.(userJoinedOut)
		}
	}
	if uj.UserID != "conn-b" || uj.Username != "bob" {
		t.Fatalf("user-joined payload = %+v", uj)
	}
}

func TestRejoinIsNoOp(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	before := len(fx.tl.Events("r1"))
	fx.sender.reset()

	fx.join(t, "conn-a", "r1", "alice")

	requireEvents(t, fx.sender.events("conn-a"), []string{EventRoomInfo})
	if got := fx.sender.events("conn-b"); got != nil {
		t.Fatalf("other members received %v on re-join", got)
	}
	if after := len(fx.tl.Events("r1")); after != before {
		t.Fatalf("timeline grew from %d to %d on re-join", before, after)
	}
}

func TestJoinFullRoomRejected(t *testing.T) {
	fx := newDispatcherFixture(2)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.sender.reset()

	fx.join(t, "conn-c", "r1", "carol")

	requireEvents(t, fx.sender.events("conn-c"), []string{EventError})
	if msg := fx.sender.to("conn-c")[0].payload.(errorOut).Message; msg != "Failed to join room" {
		t.Fatalf("error message = %q", msg)
	}
	if got := fx.sender.events("conn-a"); got != nil {
		t.Fatalf("members received %v for a rejected join", got)
	}
	if fx.m.Get(metrics.RoomJoinsRejected) != 1 {
		t.Fatalf("rejected join not counted")
	}
}

func TestJoinBareStringRoomID(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.dispatch(t, "conn-a", EventJoinRoom, `"r1"`)

	if !fx.rooms.Contains("r1", "conn-a") {
		t.Fatalf("bare-string join did not enter the room")
	}
	// No username given: the fallback name derives from the connection ID.
	info, _ := fx.rooms.Info("r1")
	if info.Users[0].Username != "usernn-a" {
		t.Fatalf("fallback username = %q", info.Users[0].Username)
	}
}

func TestJoinMissingRoomID(t *testing.T) {
	fx := newDispatcherFixture(10)
	for _, data := range []string{`{}`, `{"username":"alice"}`, `""`, `42`} {
		fx.sender.reset()
		fx.dispatch(t, "conn-a", EventJoinRoom, data)
		frames := fx.sender.to("conn-a")
		if len(frames) != 1 || frames[0].event != EventError {
			t.Fatalf("data %s: got %v, want one error", data, frames)
		}
		if msg := frames[0].payload.(errorOut).Message; msg != "Room ID is required" {
			t.Fatalf("data %s: error message = %q", data, msg)
		}
	}
}

func TestOfferTargeted(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.join(t, "conn-c", "r1", "carol")
	fx.sender.reset()

	fx.dispatch(t, "conn-a", EventOffer,
		`{"targetUserId":"conn-b","roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}`)

	requireEvents(t, fx.sender.events("conn-b"), []string{EventOffer})
	if got := fx.sender.events("conn-c"); got != nil {
		t.Fatalf("targeted offer leaked to conn-c: %v", got)
	}

	out := fx.sender.to("conn-b")[0].payload.(signalOut)
	if out.FromUserID != "conn-a" {
		t.Fatalf("fromUserId = %q", out.FromUserID)
	}
	if string(out.Offer) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("offer body = %s", out.Offer)
	}
	if out.Answer != nil || out.Candidate != nil {
		t.Fatalf("unexpected extra bodies: %+v", out)
	}
}

func TestSignalRoomBroadcastExcludesSender(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.join(t, "conn-c", "r1", "carol")
	fx.sender.reset()

	fx.dispatch(t, "conn-b", EventICECandidate,
		`{"roomId":"r1","candidate":{"candidate":"candidate:1","sdpMid":"0"}}`)

	requireEvents(t, fx.sender.events("conn-a"), []string{EventICECandidate})
	requireEvents(t, fx.sender.events("conn-c"), []string{EventICECandidate})
	if got := fx.sender.events("conn-b"); got != nil {
		t.Fatalf("sender received its own candidate: %v", got)
	}

	out := fx.sender.to("conn-a")[0].payload.(signalOut)
	if out.Candidate == nil || out.Offer != nil {
		t.Fatalf("wrong body field populated: %+v", out)
	}
}

func TestSignalValidation(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")

	tests := []struct {
		name    string
		event   string
		data    string
		wantMsg string
	}{
		{"missing body", EventOffer, `{"roomId":"r1"}`, "Missing offer payload"},
		{"missing answer body", EventAnswer, `{"targetUserId":"conn-b"}`, "Missing answer payload"},
		{"no destination", EventOffer, `{"offer":{"sdp":"v=0"}}`, "Target user ID or room ID is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx.sender.reset()
			fx.dispatch(t, "conn-a", tt.event, tt.data)
			frames := fx.sender.to("conn-a")
			if len(frames) != 1 || frames[0].event != EventError {
				t.Fatalf("got %v, want one error", frames)
			}
			if msg := frames[0].payload.(errorOut).Message; msg != tt.wantMsg {
				t.Fatalf("error message = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestGetRoomInfo(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.sender.reset()

	fx.dispatch(t, "conn-a", EventGetRoomInfo, `{"roomId":"r1"}`)
	requireEvents(t, fx.sender.events("conn-a"), []string{EventRoomInfo})

	fx.sender.reset()
	fx.dispatch(t, "conn-b", EventGetRoomInfo, `"r1"`)
	if msg := fx.sender.to("conn-b")[0].payload.(errorOut).Message; msg != "Not authorized for this room" {
		t.Fatalf("non-member error = %q", msg)
	}

	fx.sender.reset()
	fx.dispatch(t, "conn-a", EventGetRoomInfo, `"no-such-room"`)
	if msg := fx.sender.to("conn-a")[0].payload.(errorOut).Message; msg != "Room not found" {
		t.Fatalf("unknown room error = %q", msg)
	}
}

func TestGetTimelineNeedsNoMembership(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.sender.reset()

	// A connection outside the room may still read the history.
	fx.dispatch(t, "conn-b", EventGetTimeline, `{"roomId":"r1"}`)
	frames := fx.sender.to("conn-b")
	requireEvents(t, eventSequence(frames), []string{EventTimelineHistory})
	history := frames[0].payload.([]timeline.Event)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	fx.sender.reset()
	fx.dispatch(t, "conn-b", EventGetTimeline, `"no-such-room"`)
	empty := fx.sender.to("conn-b")[0].payload.([]timeline.Event)
	if len(empty) != 0 {
		t.Fatalf("unknown room history = %v, want empty", empty)
	}
}

func TestAvatarUpdate(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.sender.reset()

	fx.dispatch(t, "conn-a", EventAvatarUpdate, `{"roomId":"r1","avatarData":{"url":"/uploads/a.png"}}`)

	requireEvents(t, fx.sender.events("conn-b"), []string{EventAvatarUpdate})
	out := fx.sender.to("conn-b")[0].payload.(avatarUpdateOut)
	if out.UserID != "conn-a" || string(out.AvatarData) != `{"url":"/uploads/a.png"}` {
		t.Fatalf("avatar-update payload = %+v", out)
	}
	if got := fx.sender.events("conn-a"); got != nil {
		t.Fatalf("sender received its own avatar update: %v", got)
	}

	fx.sender.reset()
	fx.dispatch(t, "conn-c", EventAvatarUpdate, `{"roomId":"r1","avatarData":{"url":"/x"}}`)
	if msg := fx.sender.to("conn-c")[0].payload.(errorOut).Message; msg != "Not authorized for this room" {
		t.Fatalf("non-member error = %q", msg)
	}

	fx.sender.reset()
	fx.dispatch(t, "conn-a", EventAvatarUpdate, `{"roomId":"r1"}`)
	if msg := fx.sender.to("conn-a")[0].payload.(errorOut).Message; msg != "Room ID and avatar data are required" {
		t.Fatalf("missing data error = %q", msg)
	}
}

func TestDisconnectCascade(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.sender.reset()

	fx.d.HandleDisconnect("conn-b")

	requireEvents(t, fx.sender.events("conn-a"),
		[]string{EventTimelineEvent, EventUserLeft, EventRoomInfo})

	left := fx.sender.to("conn-a")[0].payload.(timeline.Event)
	if left.Kind != timeline.KindUserLeft || left.Message != "bob left the meeting" {
		t.Fatalf("left event = %+v", left)
	}

	// user-left carries the bare connection ID.
	if id := fx.sender.to("conn-a")[1].payload.(string); id != "conn-b" {
		t.Fatalf("user-left payload = %q", id)
	}

	info := fx.sender.to("conn-a")[2].payload.(room.Info)
	if info.UserCount != 1 {
		t.Fatalf("room info after leave = %+v", info)
	}
	if got := fx.sender.events("conn-b"); got != nil {
		t.Fatalf("departed connection received %v", got)
	}
}

func TestLastDisconnectEndsMeeting(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.join(t, "conn-a", "r1", "alice")
	fx.sender.reset()

	fx.d.HandleDisconnect("conn-a")

	if got := fx.sender.frames; got != nil {
		t.Fatalf("empty room still received %v", got)
	}
	events := fx.tl.Events("r1")
	last := events[len(events)-1]
	if last.Kind != timeline.KindMeetingEnd || last.Username != timeline.SystemActor {
		t.Fatalf("last event = %+v, want meeting-end by system", last)
	}
	if _, ok := fx.rooms.Info("r1"); ok {
		t.Fatalf("room survived last disconnect")
	}
}

func TestDisconnectOutsideAnyRoom(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.d.HandleConnect("conn-x")
	fx.d.HandleDisconnect("conn-x")
	if got := fx.sender.frames; got != nil {
		t.Fatalf("roomless disconnect produced %v", got)
	}
}

func TestUnknownEvent(t *testing.T) {
	fx := newDispatcherFixture(10)
	fx.dispatch(t, "conn-a", "bogus", `{}`)
	frames := fx.sender.to("conn-a")
	if len(frames) != 1 || frames[0].event != EventError {
		t.Fatalf("got %v, want one error", frames)
	}
}

func TestCapacityScenario(t *testing.T) {
	// Fill a two-seat room, reject a third, free a seat by disconnect, then
	// admit the previously rejected caller.
	fx := newDispatcherFixture(2)
	fx.join(t, "conn-a", "r1", "alice")
	fx.join(t, "conn-b", "r1", "bob")
	fx.join(t, "conn-c", "r1", "carol")
	if fx.rooms.Contains("r1", "conn-c") {
		t.Fatalf("carol admitted over capacity")
	}

	fx.d.HandleDisconnect("conn-a")
	fx.sender.reset()
	fx.join(t, "conn-c", "r1", "carol")
	if !fx.rooms.Contains("r1", "conn-c") {
		t.Fatalf("carol not admitted after a seat freed")
	}
	info, _ := fx.rooms.Info("r1")
	if info.UserCount != 2 {
		t.Fatalf("user count = %d, want 2", info.UserCount)
	}
}
