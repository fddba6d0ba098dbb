package peerwire

import (
	"encoding/binary"
	"fmt"

	pp "github.com/anacrolix/torrent/peer_protocol"
)

// MessageID is the first byte of every non keep-alive frame.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

// LengthPrefixSize is the width of the big-endian frame length.
const LengthPrefixSize = 4

var messageNames = [...]string{"choke", "unchoke", "interested", "not interested",
	"have", "bitfield", "request", "piece", "cancel", "port"}

func (id MessageID) String() string {
	if int(id) < len(messageNames) {
		return messageNames[id]
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one decoded frame. The concrete types below are the complete
// set; switch on them.
type Message interface {
	message()
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}
	Have          struct{ Index uint32 }
	// BitfieldMessage carries the raw bitfield payload.
	BitfieldMessage struct{ Bits []byte }
	Request         struct{ Index, Begin, Length uint32 }
	Piece           struct {
		Index, Begin uint32
		Block        []byte
	}
	Cancel struct{ Index, Begin, Length uint32 }
	Port   struct{ Port uint16 }
	// Unknown is any id this client does not speak. It is not an error.
	Unknown struct {
		ID      MessageID
		Payload []byte
	}
)

func (KeepAlive) message()       {}
func (Choke) message()           {}
func (Unchoke) message()         {}
func (Interested) message()      {}
func (NotInterested) message()   {}
func (Have) message()            {}
func (BitfieldMessage) message() {}
func (Request) message()         {}
func (Piece) message()           {}
func (Cancel) message()          {}
func (Port) message()            {}
func (Unknown) message()         {}

// DecodeMessage decodes a frame body, i.e. what follows the length prefix.
// An empty frame is a keep-alive. Known ids with a payload of the wrong size
// return ErrMalformedMessage.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return KeepAlive{}, nil
	}
	id, payload := MessageID(frame[0]), frame[1:]
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return nil, malformed(id, len(payload))
		}
	}
	switch id {
	case MsgChoke:
		return Choke{}, nil
	case MsgUnchoke:
		return Unchoke{}, nil
	case MsgInterested:
		return Interested{}, nil
	case MsgNotInterested:
		return NotInterested{}, nil
	case MsgHave:
		if len(payload) != 4 {
			return nil, malformed(id, len(payload))
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case MsgBitfield:
		return BitfieldMessage{Bits: append([]byte(nil), payload...)}, nil
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, malformed(id, len(payload))
		}
		index, begin, length := binary.BigEndian.Uint32(payload), binary.BigEndian.Uint32(payload[4:]), binary.BigEndian.Uint32(payload[8:])
		if id == MsgRequest {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case MsgPiece:
		if len(payload) < 8 {
			return nil, malformed(id, len(payload))
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload),
			Begin: binary.BigEndian.Uint32(payload[4:]),
			Block: append([]byte(nil), payload[8:]...),
		}, nil
	case MsgPort:
		if len(payload) != 2 {
			return nil, malformed(id, len(payload))
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return Unknown{ID: id, Payload: append([]byte(nil), payload...)}, nil
	}
}

func malformed(id MessageID, n int) error {
	return fmt.Errorf("%w: %s with %d payload bytes", ErrMalformedMessage, id, n)
}

// MarshalMessage encodes m as a complete frame, length prefix included.
func MarshalMessage(m Message) []byte {
	var msg pp.Message
	switch m := m.(type) {
	case KeepAlive:
		msg.Keepalive = true
	case Choke:
		msg.Type = pp.Choke
	case Unchoke:
		msg.Type = pp.Unchoke
	case Interested:
		msg.Type = pp.Interested
	case NotInterested:
		msg.Type = pp.NotInterested
	case Have:
		msg.Type, msg.Index = pp.Have, pp.Integer(m.Index)
	case BitfieldMessage:
		msg.Type, msg.Bitfield = pp.Bitfield, bitsToBools(m.Bits)
	case Request:
		msg.Type, msg.Index, msg.Begin, msg.Length = pp.Request, pp.Integer(m.Index), pp.Integer(m.Begin), pp.Integer(m.Length)
	case Piece:
		msg.Type, msg.Index, msg.Begin, msg.Piece = pp.Piece, pp.Integer(m.Index), pp.Integer(m.Begin), m.Block
	case Cancel:
		msg.Type, msg.Index, msg.Begin, msg.Length = pp.Cancel, pp.Integer(m.Index), pp.Integer(m.Begin), pp.Integer(m.Length)
	case Port:
		msg.Type, msg.Port = pp.Port, m.Port
	case Unknown:
		// peer_protocol refuses ids it does not know
		frame := binary.BigEndian.AppendUint32(nil, uint32(1+len(m.Payload)))
		frame = append(frame, byte(m.ID))
		return append(frame, m.Payload...)
	}
	return msg.MustMarshalBinary()
}

// bitsToBools expands every bit of raw, spare bits included, so the
// re-packed payload is byte-identical.
func bitsToBools(raw []byte) []bool {
	bs := make([]bool, len(raw)*8)
	for i := range bs {
		bs[i] = raw[i/8]&(0x80>>uint(i%8)) != 0
	}
	return bs
}
