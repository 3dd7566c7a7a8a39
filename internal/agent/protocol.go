package agent

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType uint8

const (
	SyncConfig     MessageType = 1
	TrackMeta      MessageType = 2
	DownloadStatus MessageType = 3
	OpenFolder     MessageType = 4
	OpenFilePicker MessageType = 5
	WriteFile      MessageType = 6
	PlayerState    MessageType = 7

	// Pseudo types, never on the wire.
	Connected    MessageType = 0xF0
	Disconnected MessageType = 0xF1
)

const headerSize = 5

var ErrProtocolDecode = errors.New("protocol decode error")

func (t MessageType) String() string {
	switch t {
	case SyncConfig:
		return "sync-config"
	case TrackMeta:
		return "track-meta"
	case DownloadStatus:
		return "download-status"
	case OpenFolder:
		return "open-folder"
	case OpenFilePicker:
		return "open-file-picker"
	case WriteFile:
		return "write-file"
	case PlayerState:
		return "player-state"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Message is one frame exchanged with the Agent. Content holds raw JSON and
// may be empty; Binary carries whatever trails the JSON payload.
type Message struct {
	Type    MessageType
	Content json.RawMessage
	Binary  []byte
}

// Encode lays out [type:1][len:int32 LE][json][binary].
func Encode(msg Message) ([]byte, error) {
	if len(msg.Content) > 0 && !json.Valid(msg.Content) {
		return nil, fmt.Errorf("encode %s: invalid json content", msg.Type)
	}
	buf := make([]byte, headerSize+len(msg.Content)+len(msg.Binary))
	buf[0] = byte(msg.Type)
	binary.LittleEndian.PutUint32(buf[1:headerSize], uint32(int32(len(msg.Content))))
	n := copy(buf[headerSize:], msg.Content)
	copy(buf[headerSize+n:], msg.Binary)
	return buf, nil
}

func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: frame of %d bytes is shorter than header", ErrProtocolDecode, len(data))
	}
	length := int32(binary.LittleEndian.Uint32(data[1:headerSize]))
	if length < 0 || int64(length) > int64(len(data)-headerSize) {
		return Message{}, fmt.Errorf("%w: payload length %d exceeds frame of %d bytes", ErrProtocolDecode, length, len(data))
	}
	end := headerSize + int(length)
	msg := Message{Type: MessageType(data[0])}
	if length > 0 {
		content := data[headerSize:end]
		if !json.Valid(content) {
			return Message{}, fmt.Errorf("%w: payload is not valid json", ErrProtocolDecode)
		}
		msg.Content = append(json.RawMessage(nil), content...)
	}
	msg.Binary = append([]byte{}, data[end:]...)
	return msg, nil
}
