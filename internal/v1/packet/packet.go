// Package packet implements the line-oriented text control protocol spoken
// over the room WebSocket.
//
// Every control frame has the literal framing
//
//	||-=-||<type>-=-<arg1>|.|<arg2>|.|...
//
// The format has no escaping, so argument values must never contain the
// separators. It is kept byte-exact for client compatibility.
package packet

import (
	"errors"
	"strings"
)

const (
	// Header prefixes every control frame.
	Header = "||-=-||"
	// TypeSep separates the packet type from its arguments.
	TypeSep = "-=-"
	// ArgSep separates individual arguments.
	ArgSep = "|.|"
)

// Packet types sent by clients.
const (
	TypeJoinRoom = "join_room"
	TypeState    = "state"
	TypeSeek     = "seek"
	TypePlay     = "play"
	TypePause    = "pause"
)

// Packet types sent by the server.
const (
	TypeAuth      = "auth"
	TypeJoined    = "joined"
	TypeLeft      = "left"
	TypeVideoData = "video_data"
	TypeStateOK   = "state_ok"
)

// ErrMalformed is returned when a frame does not match the protocol framing.
var ErrMalformed = errors.New("malformed packet")

// Encode composes a control frame from a type and its arguments.
func Encode(packetType string, args ...string) []byte {
	var b strings.Builder
	b.Grow(len(Header) + len(packetType) + len(TypeSep) + 16*len(args))
	b.WriteString(Header)
	b.WriteString(packetType)
	b.WriteString(TypeSep)
	for i, arg := range args {
		if i > 0 {
			b.WriteString(ArgSep)
		}
		b.WriteString(arg)
	}
	return []byte(b.String())
}

// Decode parses a control frame into its type and raw arguments.
// A frame with an empty argument section decodes to nil args.
func Decode(frame string) (string, []string, error) {
	rest, ok := strings.CutPrefix(frame, Header)
	if !ok {
		return "", nil, ErrMalformed
	}

	packetType, rawArgs, ok := strings.Cut(rest, TypeSep)
	if !ok || packetType == "" {
		return "", nil, ErrMalformed
	}
	// A second type separator inside the argument section is not decodable.
	if strings.Contains(rawArgs, TypeSep) {
		return "", nil, ErrMalformed
	}

	if rawArgs == "" {
		return packetType, nil, nil
	}
	return packetType, strings.Split(rawArgs, ArgSep), nil
}
