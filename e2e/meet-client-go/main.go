// Command meet-client-go is a headless end-to-end probe. It connects two
// signaling clients to a running meetsignal server, negotiates a WebRTC
// data channel between them through the relay events, and exchanges one
// round-trip message. Exit status 0 means the full path works.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"
)

const dataChannelLabel = "meet"

func main() {
	serverURL := envOrDefault("SERVER_WS_URL", "ws://127.0.0.1:3001/ws")
	originURL := envOrDefault("ORIGIN_URL", "http://127.0.0.1:3001")
	roomID := envOrDefault("ROOM_ID", fmt.Sprintf("e2e-%d", time.Now().UnixMilli()))
	timeout := 30 * time.Second

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	log := loggerFactory.NewLogger("meet-client")

	var se webrtc.SettingEngine
	se.LoggerFactory = loggerFactory
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	offerer, err := dialClient(serverURL, originURL)
	if err != nil {
		fail("dial offerer: %v", err)
	}
	defer offerer.close()

	answerer, err := dialClient(serverURL, originURL)
	if err != nil {
		fail("dial answerer: %v", err)
	}
	defer answerer.close()

	if err := offerer.join(roomID, "offerer"); err != nil {
		fail("offerer join: %v", err)
	}

	peerJoined := make(chan string, 1)
	offerer.setUserJoined(func(userID string) {
		select {
		case peerJoined <- userID:
		default:
		}
	})
	go offerer.readLoop()

	done := make(chan error, 2)

	// The answerer's handlers must be in place before the offer goes out.
	answerPC, err := runAnswerer(api, answerer, done)
	if err != nil {
		fail("answerer setup: %v", err)
	}
	defer answerPC.Close()

	if err := answerer.join(roomID, "answerer"); err != nil {
		fail("answerer join: %v", err)
	}
	go answerer.readLoop()

	var answererID string
	select {
	case answererID = <-peerJoined:
	case <-time.After(timeout):
		fail("timed out waiting for the answerer to join")
	}
	log.Infof("answerer joined as %s", answererID)

	offerPC, err := runOfferer(api, offerer, answererID, done)
	if err != nil {
		fail("offerer setup: %v", err)
	}
	defer offerPC.Close()

	deadline := time.After(timeout)
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				fail("%v", err)
			}
		case <-deadline:
			fail("timed out waiting for the data channel round trip")
		}
	}

	fmt.Println("OK")
}

// runOfferer drives the offering side: data channel, offer, trickle ICE,
// then a ping over the opened channel.
func runOfferer(api *webrtc.API, c *client, peerID string, done chan<- error) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	var buf candidateBuffer
	c.setAnswer(func(sdp webrtc.SessionDescription, _ string) {
		if err := pc.SetRemoteDescription(sdp); err != nil {
			done <- fmt.Errorf("offerer set remote: %w", err)
			return
		}
		buf.flush(pc)
	})
	c.setCandidate(func(cand webrtc.ICECandidateInit, _ string) {
		buf.add(pc, cand)
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.sendCandidate(peerID, cand.ToJSON())
	})

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	dc.OnOpen(func() {
		if err := dc.SendText("ping"); err != nil {
			done <- fmt.Errorf("send ping: %w", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if string(msg.Data) != "pong" {
			done <- fmt.Errorf("offerer received %q, want pong", msg.Data)
			return
		}
		done <- nil
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	if err := c.sendOffer(peerID, offer); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// runAnswerer answers the first offer it sees and echoes ping as pong.
func runAnswerer(api *webrtc.API, c *client, done chan<- error) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	var buf candidateBuffer
	c.setCandidate(func(cand webrtc.ICECandidateInit, _ string) {
		buf.add(pc, cand)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if string(msg.Data) != "ping" {
				done <- fmt.Errorf("answerer received %q, want ping", msg.Data)
				return
			}
			if err := dc.SendText("pong"); err != nil {
				done <- fmt.Errorf("send pong: %w", err)
				return
			}
			done <- nil
		})
	})

	c.setOffer(func(sdp webrtc.SessionDescription, fromUserID string) {
		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if cand == nil {
				return
			}
			c.sendCandidate(fromUserID, cand.ToJSON())
		})

		if err := pc.SetRemoteDescription(sdp); err != nil {
			done <- fmt.Errorf("answerer set remote: %w", err)
			return
		}
		buf.flush(pc)

		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			done <- fmt.Errorf("create answer: %w", err)
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			done <- fmt.Errorf("answerer set local: %w", err)
			return
		}
		if err := c.sendAnswer(fromUserID, answer); err != nil {
			done <- fmt.Errorf("send answer: %w", err)
		}
	})
	return pc, nil
}

// candidateBuffer holds remote candidates that arrive before the remote
// description is set.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

func (b *candidateBuffer) add(pc *webrtc.PeerConnection, cand webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc.RemoteDescription() == nil {
		b.pending = append(b.pending, cand)
		return
	}
	_ = pc.AddICECandidate(cand)
}

func (b *candidateBuffer) flush(pc *webrtc.PeerConnection) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, cand := range pending {
		_ = pc.AddICECandidate(cand)
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type signalIn struct {
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	FromUserID string                     `json:"fromUserId"`
}

// client handlers are guarded because the read loop runs while the peer
// connection wiring installs them.
type client struct {
	ws *websocket.Conn

	mu           sync.Mutex
	onUserJoined func(userID string)
	onOffer      func(sdp webrtc.SessionDescription, fromUserID string)
	onAnswer     func(sdp webrtc.SessionDescription, fromUserID string)
	onCandidate  func(cand webrtc.ICECandidateInit, fromUserID string)
}

func (c *client) setUserJoined(f func(string)) {
	c.mu.Lock()
	c.onUserJoined = f
	c.mu.Unlock()
}

func (c *client) setOffer(f func(webrtc.SessionDescription, string)) {
	c.mu.Lock()
	c.onOffer = f
	c.mu.Unlock()
}

func (c *client) setAnswer(f func(webrtc.SessionDescription, string)) {
	c.mu.Lock()
	c.onAnswer = f
	c.mu.Unlock()
}

func (c *client) setCandidate(f func(webrtc.ICECandidateInit, string)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *client) handlers() (func(string), func(webrtc.SessionDescription, string), func(webrtc.SessionDescription, string), func(webrtc.ICECandidateInit, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onUserJoined, c.onOffer, c.onAnswer, c.onCandidate
}

func dialClient(serverURL, originURL string) (*client, error) {
	ws, err := websocket.Dial(serverURL, "", originURL)
	if err != nil {
		return nil, err
	}
	return &client{ws: ws}, nil
}

func (c *client) close() { _ = c.ws.Close() }

func (c *client) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	return websocket.Message.Send(c.ws, string(frame))
}

func (c *client) join(roomID, username string) error {
	return c.send("join-room", map[string]string{"roomId": roomID, "username": username})
}

func (c *client) sendOffer(targetUserID string, sdp webrtc.SessionDescription) error {
	return c.send("offer", map[string]any{"targetUserId": targetUserID, "offer": sdp})
}

func (c *client) sendAnswer(targetUserID string, sdp webrtc.SessionDescription) error {
	return c.send("answer", map[string]any{"targetUserId": targetUserID, "answer": sdp})
}

func (c *client) sendCandidate(targetUserID string, cand webrtc.ICECandidateInit) {
	_ = c.send("ice-candidate", map[string]any{"targetUserId": targetUserID, "candidate": cand})
}

func (c *client) readLoop() {
	for {
		var raw string
		if err := websocket.Message.Receive(c.ws, &raw); err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}

		onUserJoined, onOffer, onAnswer, onCandidate := c.handlers()

		switch env.Event {
		case "user-joined":
			var joined struct {
				UserID string `json:"userId"`
			}
			if err := json.Unmarshal(env.Data, &joined); err == nil && onUserJoined != nil {
				onUserJoined(joined.UserID)
			}
		case "offer", "answer", "ice-candidate":
			var sig signalIn
			if err := json.Unmarshal(env.Data, &sig); err != nil {
				continue
			}
			switch {
			case env.Event == "offer" && sig.Offer != nil && onOffer != nil:
				onOffer(*sig.Offer, sig.FromUserID)
			case env.Event == "answer" && sig.Answer != nil && onAnswer != nil:
				onAnswer(*sig.Answer, sig.FromUserID)
			case env.Event == "ice-candidate" && sig.Candidate != nil && onCandidate != nil:
				onCandidate(*sig.Candidate, sig.FromUserID)
			}
		case "error":
			fmt.Fprintf(os.Stderr, "server error: %s\n", env.Data)
		}
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
