package relay

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
)

// compressFrames compresses each message in one shared zlib context and
// returns one frame per message, each terminated by a sync flush, the
// way the gateway streams transport-compressed messages.
func compressFrames(t *testing.T, messages ...string) [][]byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)

	frames := make([][]byte, 0, len(messages))

	for _, message := range messages {
		if _, err := writer.Write([]byte(message)); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}

		if err := writer.Flush(); err != nil {
			t.Fatalf("failed to flush message: %v", err)
		}

		frame := make([]byte, buf.Len())
		copy(frame, buf.Bytes())
		buf.Reset()

		frames = append(frames, frame)
	}

	return frames
}

func TestPayloadCodecUncompressed(t *testing.T) {
	codec, err := newPayloadCodec(false)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	payload := discord.GatewayPayload{}

	ok, err := codec.Decode([]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`), &payload)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if !ok {
		t.Fatal("expected a complete payload")
	}

	if payload.Op != discord.GatewayOpHello {
		t.Errorf("expected op %d, but got %d", discord.GatewayOpHello, payload.Op)
	}
}

func TestPayloadCodecUncompressedInvalid(t *testing.T) {
	codec, err := newPayloadCodec(false)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	payload := discord.GatewayPayload{}

	if _, err := codec.Decode([]byte(`{"op":`), &payload); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, but got %v", err)
	}
}

func TestPayloadCodecCompressedStream(t *testing.T) {
	frames := compressFrames(t,
		`{"op":10,"d":{"heartbeat_interval":41250}}`,
		`{"op":0,"t":"READY","s":1,"d":{}}`,
		`{"op":11,"d":null}`,
	)

	codec, err := newPayloadCodec(true)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	expectedOps := []discord.GatewayOp{
		discord.GatewayOpHello,
		discord.GatewayOpDispatch,
		discord.GatewayOpHeartbeatACK,
	}

	for i, frame := range frames {
		payload := discord.GatewayPayload{}

		ok, err := codec.Decode(frame, &payload)
		if err != nil {
			t.Fatalf("failed to decode frame %d: %v", i, err)
		}

		if !ok {
			t.Fatalf("expected a complete payload for frame %d", i)
		}

		if payload.Op != expectedOps[i] {
			t.Errorf("frame %d: expected op %d, but got %d", i, expectedOps[i], payload.Op)
		}
	}
}

func TestPayloadCodecCompressedSequence(t *testing.T) {
	frames := compressFrames(t, `{"op":0,"t":"MESSAGE_CREATE","s":5,"d":{"content":"hi"}}`)

	codec, err := newPayloadCodec(true)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	payload := discord.GatewayPayload{}

	ok, err := codec.Decode(frames[0], &payload)
	if err != nil || !ok {
		t.Fatalf("failed to decode: ok=%v err=%v", ok, err)
	}

	if payload.Sequence != 5 {
		t.Errorf("expected sequence 5, but got %d", payload.Sequence)
	}

	if payload.Type != "MESSAGE_CREATE" {
		t.Errorf("expected MESSAGE_CREATE, but got %s", payload.Type)
	}
}

func TestPayloadCodecCompressedPartial(t *testing.T) {
	frames := compressFrames(t, `{"op":1,"d":null}`)

	frame := frames[0]
	if len(frame) < 8 {
		t.Fatalf("frame too small to split: %d bytes", len(frame))
	}

	// A message may arrive split across frames; only the frame carrying
	// the flush suffix completes it.
	first := frame[:len(frame)-4]
	second := frame[len(frame)-4:]

	codec, err := newPayloadCodec(true)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	payload := discord.GatewayPayload{}

	ok, err := codec.Decode(first, &payload)
	if err != nil {
		t.Fatalf("failed to decode first frame: %v", err)
	}

	if ok {
		t.Fatal("expected partial message to be incomplete")
	}

	ok, err = codec.Decode(second, &payload)
	if err != nil {
		t.Fatalf("failed to decode second frame: %v", err)
	}

	if !ok {
		t.Fatal("expected a complete payload after the suffix")
	}

	if payload.Op != discord.GatewayOpHeartbeat {
		t.Errorf("expected op %d, but got %d", discord.GatewayOpHeartbeat, payload.Op)
	}
}

func TestPayloadCodecCompressedCorrupt(t *testing.T) {
	codec, err := newPayloadCodec(true)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	defer codec.Close()

	corrupt := append([]byte{0xde, 0xad, 0xbe, 0xef}, zlibSuffix...)

	payload := discord.GatewayPayload{}

	if _, err := codec.Decode(corrupt, &payload); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("expected ErrInvalidEnvelope, but got %v", err)
	}
}

func TestStreamFeedBlocksUntilWrite(t *testing.T) {
	feed := newStreamFeed()

	read := make(chan []byte, 1)

	go func() {
		buf := make([]byte, 8)
		n, err := feed.Read(buf)
		if err != nil {
			read <- nil

			return
		}

		read <- buf[:n]
	}()

	select {
	case <-read:
		t.Fatal("expected read to block on an empty feed")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := feed.Write([]byte("data")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	select {
	case data := <-read:
		if string(data) != "data" {
			t.Errorf("expected data, but got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected read to complete after write")
	}
}

func TestStreamFeedClose(t *testing.T) {
	feed := newStreamFeed()
	feed.Close()

	if _, err := feed.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF, but got %v", err)
	}

	if _, err := feed.Write([]byte("data")); err == nil {
		t.Error("expected write to a closed feed to fail")
	}
}

func TestStreamFeedDrainsBeforeEOF(t *testing.T) {
	feed := newStreamFeed()

	if _, err := feed.Write([]byte("tail")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	feed.Close()

	buf := make([]byte, 8)

	n, err := feed.Read(buf)
	if err != nil {
		t.Fatalf("failed to read buffered data: %v", err)
	}

	if string(buf[:n]) != "tail" {
		t.Errorf("expected tail, but got %q", buf[:n])
	}

	if _, err := feed.Read(buf); err != io.EOF {
		t.Errorf("expected EOF after drain, but got %v", err)
	}
}
