// Package signaling contains the WebSocket signaling surface that
// coordinates WebRTC peer discovery for multi-party meetings.
//
// The server relays session descriptions and ICE candidates as opaque
// payloads between room members; it never interprets SDP or candidate
// contents.
package signaling
