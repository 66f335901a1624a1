package media

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	// The stream is authenticated by the signed TwiML webhook, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("media: connection closed")

// Conn is one telephony media stream. Reads must come from a single
// goroutine; writes are serialized internally.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool
}

// Upgrade switches an HTTP request to a media stream.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, writeTimeout: 5 * time.Second}
}

// ReadEvent blocks for the next frame. Binary frames and malformed JSON are
// reported as ProtocolError; transport failures are returned unchanged and
// end the stream.
func (c *Conn) ReadEvent() (Event, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, &ProtocolError{Reason: "unexpected binary frame"}
	}
	return Parse(data)
}

// SendMedia writes one outbound audio packet.
func (c *Conn) SendMedia(streamSID string, payload []byte) error {
	msg, err := EncodeMedia(streamSID, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// IsClosure reports whether err is an ordinary end of stream rather than a
// transport fault worth logging.
func IsClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, ErrClosed)
}
