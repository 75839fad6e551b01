package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/transports"
)

// Room is one media stream. The caller is the only participant and joins
// with the stream start event.
type Room struct {
	streamID string
	callSID  string
	trace    string
	who      transports.Participant
	pts      *frames.PTSGen

	writer    frameWriter
	audio     chan frames.AudioFrame
	joined    chan struct{}
	connected atomic.Bool
	dropped   atomic.Int64

	mu      sync.Mutex
	closed  bool
	left    bool
	onLeave []func(transports.Participant, string)
}

type frameWriter interface {
	enqueue(msg map[string]any) error
	close() error
}

func newRoom(start *TwilioStart, conn *websocket.Conn, buffer int) *Room {
	var w frameWriter
	if conn != nil {
		s := &session{conn: conn, sendCh: make(chan []byte, 256)}
		go s.loop()
		w = s
	}
	identity := start.From
	if identity == "" {
		identity = start.CallSID
	}
	r := &Room{
		streamID: start.StreamID,
		callSID:  start.CallSID,
		trace:    traceID(),
		pts:      frames.NewPTSGen(),
		writer:   w,
		audio:    make(chan frames.AudioFrame, buffer),
		joined:   make(chan struct{}),
	}
	r.who = transports.Participant{
		Identity: identity,
		Meta: map[string]string{
			frames.MetaStreamID: start.StreamID,
			frames.MetaCallSID:  start.CallSID,
			frames.MetaTraceID:  r.trace,
		},
	}
	close(r.joined)
	return r
}

func (r *Room) ID() string { return r.streamID }

func (r *Room) Connect(ctx context.Context, opts transports.ConnectOptions) error {
	if !opts.AudioOnly {
		return transports.ErrVideoUnsupported
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errorsx.Wrap(transports.ErrRoomClosed, errorsx.ReasonTransportConnect)
	}
	r.connected.Store(true)
	return nil
}

func (r *Room) AwaitParticipant(ctx context.Context) (transports.Participant, error) {
	select {
	case <-r.joined:
		return r.who, nil
	case <-ctx.Done():
		return transports.Participant{}, ctx.Err()
	}
}

func (r *Room) OnParticipantDisconnected(fn func(transports.Participant, string)) {
	r.mu.Lock()
	r.onLeave = append(r.onLeave, fn)
	r.mu.Unlock()
}

func (r *Room) Audio() <-chan frames.AudioFrame { return r.audio }

// SendAudio forwards one mu-law frame as a media message.
func (r *Room) SendAudio(ctx context.Context, f frames.AudioFrame) error {
	if f.Codec() != mediaCodec || (f.Rate() != 0 && f.Rate() != mediaRate) {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "twilio: unsupported outbound format %s/%d", f.Codec(), f.Rate())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.write(map[string]any{
		"event":     "media",
		"streamSid": r.streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(f.RawPayload()),
		},
	})
}

// ClearAudio asks the far end to drop buffered playback.
func (r *Room) ClearAudio(ctx context.Context) error {
	return r.write(map[string]any{
		"event":     "clear",
		"streamSid": r.streamID,
	})
}

func (r *Room) OutputFormat() (frames.Codec, int) { return mediaCodec, mediaRate }

func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.audio)
	r.mu.Unlock()
	if r.writer != nil {
		return r.writer.close()
	}
	return nil
}

// Dropped counts inbound frames discarded because the queue was full.
func (r *Room) Dropped() int64 { return r.dropped.Load() }

func (r *Room) write(msg map[string]any) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed || r.writer == nil {
		return transports.ErrRoomClosed
	}
	return r.writer.enqueue(msg)
}

func (r *Room) deliver(payload []byte) {
	if !r.connected.Load() {
		return
	}
	meta := map[string]string{
		frames.MetaCallSID:  r.callSID,
		frames.MetaTraceID:  r.trace,
		frames.MetaEncoding: "mulaw",
		frames.MetaCodec:    string(mediaCodec),
		frames.MetaSource:   "transport",
	}
	f := frames.NewAudioFrame(r.streamID, r.pts.Next(r.streamID), payload, mediaRate, 1, meta)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.audio <- f:
	default:
		r.dropped.Add(1)
	}
}

func (r *Room) leave(reason string) {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.left = true
	handlers := append([]func(transports.Participant, string){}, r.onLeave...)
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(r.who, reason)
	}
	_ = r.Close()
}

// session serializes websocket writes.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return transports.ErrRoomClosed
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.Errorf(errorsx.ReasonTransportSend, "twilio: send queue full")
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}
