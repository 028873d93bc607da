package streamer

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/event"
	"github.com/cyclopcam/personclip/server/log"
	"github.com/gorilla/websocket"
)

// Message is one job event, destined for websocket clients.
// If Binary is not nil, it is sent as a binary frame immediately after the JSON text frame.
// SYNC-JOB-WEBSOCKET-MESSAGE
type Message struct {
	Type   string `json:"type"` // status, download, progress, preview, recording, segment, finished, failed
	Data   any    `json:"data,omitempty"`
	Binary []byte `json:"-"`
}

// Droppable messages are superseded by the next message of the same type,
// so a slow client can miss some of them without losing information.
func (m Message) Droppable() bool {
	switch m.Type {
	case "download", "progress", "preview":
		return true
	}
	return false
}

// Terminal messages are the last message of a job
func (m Message) Terminal() bool {
	return m.Type == "finished" || m.Type == "failed"
}

// Number of queued messages, after which we start dropping droppable messages.
// Messages that are not droppable are always queued.
const WebSocketSendBufferSize = 50

// How long we'll wait for a single message to be written, before giving up on the client
const writeTimeout = 10 * time.Second

var nextStreamerID int64

// EventStreamer sends job events to a single websocket client.
// It is an event.Listener, so that it can be attached directly to a job's event.Sender.
// OnEvent never blocks, so a slow client cannot stall the job.
type EventStreamer struct {
	log        logs.Log
	streamerID int64

	lock    sync.Mutex // Guards pending
	pending []Message
	wake    chan struct{}
	closed  atomic.Bool

	nDropped    int64
	nSent       int64
	lastDropMsg time.Time
}

func NewEventStreamer(logger logs.Log, jobID int64) *EventStreamer {
	streamerID := atomic.AddInt64(&nextStreamerID, 1)
	return &EventStreamer{
		log:        log.NewPrefixLogger(logger, fmt.Sprintf("Job %v WebSocket %v", jobID, streamerID)),
		streamerID: streamerID,
		wake:       make(chan struct{}, 1),
	}
}

func (s *EventStreamer) OnEvent(sender *event.Sender[Message], msg Message) {
	s.Push(msg)
}

// Push queues a message for sending
func (s *EventStreamer) Push(msg Message) {
	if s.closed.Load() {
		return
	}
	s.lock.Lock()
	if msg.Droppable() && len(s.pending) >= WebSocketSendBufferSize {
		s.nDropped++
		now := time.Now()
		if now.Sub(s.lastDropMsg) > 5*time.Second {
			s.log.Infof("Dropped %v/%v messages", s.nDropped, s.nDropped+s.nSent)
			s.lastDropMsg = now
		}
		s.lock.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.lock.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run writes queued messages to conn, until a terminal message has been sent, or the client goes away.
// Run closes conn before returning.
func (s *EventStreamer) Run(conn *websocket.Conn) {
	defer conn.Close()
	defer s.closed.Store(true)

	readerClosed := make(chan struct{})
	go s.webSocketReader(conn, readerClosed)

	for {
		select {
		case <-readerClosed:
			s.log.Debugf("Client closed")
			return
		case <-s.wake:
		}

		s.lock.Lock()
		batch := s.pending
		s.pending = nil
		s.lock.Unlock()

		for _, msg := range batch {
			if err := s.write(conn, msg); err != nil {
				s.log.Infof("Error writing to websocket: %v", err)
				return
			}
			if msg.Terminal() {
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
		}
	}
}

func (s *EventStreamer) write(conn *websocket.Conn, msg Message) error {
	j, err := json.Marshal(&msg)
	if err != nil {
		s.log.Errorf("Failed to marshal websocket message %v: %v", msg.Type, err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, j); err != nil {
		return err
	}
	if msg.Binary != nil {
		if err := conn.WriteMessage(websocket.BinaryMessage, msg.Binary); err != nil {
			return err
		}
	}
	s.lock.Lock()
	s.nSent++
	s.lock.Unlock()
	return nil
}

// We don't expect any messages from the client, but we need to read in order to
// process control frames, and to notice when the client disconnects.
func (s *EventStreamer) webSocketReader(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
