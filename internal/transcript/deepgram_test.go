package transcript

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/logging"
)

func TestParseDeepgram(t *testing.T) {
	ev, ok, err := parseDeepgram([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hi there "}]}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: KindTranscript, Text: "hi there", IsFinal: true}, ev)

	ev, ok, err = parseDeepgram([]byte(`{"type":"UtteranceEnd","last_word_end":2.1}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindUtteranceEnd, ev.Kind)

	_, ok, err = parseDeepgram([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = parseDeepgram([]byte(`{"type":"Metadata"}`))
	assert.False(t, ok)

	_, _, err = parseDeepgram([]byte(`{`))
	assert.Error(t, err)
}

func TestDeepgramProvider_Stream(t *testing.T) {
	type received struct {
		query  string
		auth   string
		binary [][]byte
		text   []string
	}
	got := make(chan received, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		rec := received{query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				got <- rec
				return
			}
			if mt == websocket.BinaryMessage {
				rec.binary = append(rec.binary, data)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"namaste"}]}}`))
				continue
			}
			rec.text = append(rec.text, string(data))
			if strings.Contains(string(data), "CloseStream") {
				got <- rec
				return
			}
		}
	}))
	defer srv.Close()

	p := NewDeepgramProvider("secret", logging.Discard())
	p.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	p.KeepAliveInterval = 0

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := p.Open(ctx, Options{
		Encoding: "linear16", SampleRate: 8000, Channels: 1, Language: "hi",
		Model: "nova-2", InterimResults: true, UtteranceEndMs: 1000, EndpointingMs: 300,
	})
	require.NoError(t, err)

	require.NoError(t, stream.Send([]byte{1, 2}))
	select {
	case ev := <-stream.Events():
		assert.Equal(t, "namaste", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript event")
	}
	require.NoError(t, stream.Close())

	rec := <-got
	assert.Equal(t, "Token secret", rec.auth)
	assert.Contains(t, rec.query, "language=hi")
	assert.Contains(t, rec.query, "sample_rate=8000")
	assert.Contains(t, rec.query, "utterance_end_ms=1000")
	assert.Contains(t, rec.query, "endpointing=300")
	assert.Equal(t, [][]byte{{1, 2}}, rec.binary)
	assert.Equal(t, []string{`{"type":"CloseStream"}`}, rec.text)
	assert.NoError(t, stream.Err())
}

func TestDeepgramProvider_RequiresKey(t *testing.T) {
	_, err := NewDeepgramProvider("", nil).Open(context.Background(), Options{})
	assert.Error(t, err)
}
