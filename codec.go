package relay

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/czlib"
	jsoniter "github.com/json-iterator/go"
)

// zlibSuffix terminates every transport-compressed message. The gateway
// ends each message with a Z_SYNC_FLUSH, leaving this marker.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// payloadCodec decodes the {op,d,s,t} envelope from inbound frames.
//
// With transport compression enabled the whole connection shares one
// inflate context: frames are fed to a persistent czlib reader in
// arrival order and a persistent JSON decoder pulls exactly one
// envelope per flushed message. The codec lives and dies with its
// connection; a reconnect builds a fresh one.
type payloadCodec struct {
	compressed bool

	feed     *streamFeed
	inflator io.ReadCloser
	decoder  *jsoniter.Decoder
}

func newPayloadCodec(compressed bool) (*payloadCodec, error) {
	codec := &payloadCodec{compressed: compressed}

	if compressed {
		codec.feed = newStreamFeed()

		inflator, err := czlib.NewReader(codec.feed)
		if err != nil {
			return nil, fmt.Errorf("failed to create inflator: %w", err)
		}

		codec.inflator = inflator
		codec.decoder = jsoniter.NewDecoder(inflator)
	}

	return codec, nil
}

// Decode consumes one inbound frame. It returns false when the frame
// only extends a partial compressed message and no envelope is
// available yet. Corrupt compressed input and malformed envelopes both
// surface as ErrInvalidEnvelope.
func (codec *payloadCodec) Decode(data []byte, out *discord.GatewayPayload) (bool, error) {
	if !codec.compressed {
		if err := jsoniter.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}

		return true, nil
	}

	if _, err := codec.feed.Write(data); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if !bytes.HasSuffix(data, zlibSuffix) {
		return false, nil
	}

	if err := codec.decoder.Decode(out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	return true, nil
}

func (codec *payloadCodec) Close() {
	if !codec.compressed {
		return
	}

	codec.feed.Close()
	_ = codec.inflator.Close()
}

// streamFeed is the byte source behind the persistent inflate context.
// Reads block until frame bytes arrive, so the inflator never observes
// a premature EOF between messages.
type streamFeed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newStreamFeed() *streamFeed {
	feed := &streamFeed{}
	feed.cond = sync.NewCond(&feed.mu)

	return feed
}

func (feed *streamFeed) Write(p []byte) (int, error) {
	feed.mu.Lock()
	defer feed.mu.Unlock()

	if feed.closed {
		return 0, io.ErrClosedPipe
	}

	n, err := feed.buf.Write(p)
	feed.cond.Broadcast()

	return n, err
}

func (feed *streamFeed) Read(p []byte) (int, error) {
	feed.mu.Lock()
	defer feed.mu.Unlock()

	for feed.buf.Len() == 0 {
		if feed.closed {
			return 0, io.EOF
		}

		feed.cond.Wait()
	}

	return feed.buf.Read(p)
}

func (feed *streamFeed) Close() {
	feed.mu.Lock()
	feed.closed = true
	feed.cond.Broadcast()
	feed.mu.Unlock()
}
