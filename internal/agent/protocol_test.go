package agent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "json without binary",
			msg:  Message{Type: DownloadStatus, Content: []byte(`{"playbackId":"abc","status":"DONE"}`)},
		},
		{
			name: "empty payload",
			msg:  Message{Type: SyncConfig},
		},
		{
			name: "json with trailing binary",
			msg:  Message{Type: WriteFile, Content: []byte(`{"path":"/tmp/cover.jpg"}`), Binary: []byte{0x00, 0xff, 0x10, 0x7f}},
		},
		{
			name: "utf-8 payload",
			msg:  Message{Type: TrackMeta, Content: []byte(`{"name":"Björk – Jóga"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if data[0] != byte(tt.msg.Type) {
				t.Errorf("type byte = %d, want %d", data[0], tt.msg.Type)
			}
			if got := int32(binary.LittleEndian.Uint32(data[1:5])); int(got) != len(tt.msg.Content) {
				t.Errorf("length field = %d, want %d", got, len(tt.msg.Content))
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Type != tt.msg.Type {
				t.Errorf("Type = %v, want %v", got.Type, tt.msg.Type)
			}
			if !bytes.Equal(got.Content, tt.msg.Content) {
				t.Errorf("Content = %q, want %q", got.Content, tt.msg.Content)
			}
			if !bytes.Equal(got.Binary, tt.msg.Binary) {
				t.Errorf("Binary = %v, want %v", got.Binary, tt.msg.Binary)
			}
		})
	}
}

func TestEncodeRejectsInvalidJSON(t *testing.T) {
	if _, err := Encode(Message{Type: OpenFolder, Content: []byte(`{"path":`)}); err == nil {
		t.Fatal("expected error for invalid json content")
	}
}

func TestDecodeMalformed(t *testing.T) {
	header := func(length int32) []byte {
		b := make([]byte, 5)
		b[0] = byte(DownloadStatus)
		binary.LittleEndian.PutUint32(b[1:], uint32(length))
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: nil},
		{name: "short header", data: []byte{byte(SyncConfig), 0x01, 0x00}},
		{name: "length past end", data: append(header(10), []byte(`{}`)...)},
		{name: "negative length", data: header(-1)},
		{name: "invalid json", data: append(header(3), []byte(`{x}`)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrProtocolDecode) {
				t.Errorf("Decode() error = %v, want ErrProtocolDecode", err)
			}
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	if got := DownloadStatus.String(); got != "download-status" {
		t.Errorf("String() = %q", got)
	}
	if got := MessageType(42).String(); got != "unknown(42)" {
		t.Errorf("String() = %q", got)
	}
}
