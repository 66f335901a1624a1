package media

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Event
	}{
		{"connected", `{"event":"connected","protocol":"Call","version":"1.0.0"}`, Connected{Protocol: "Call", Version: "1.0.0"}},
		{"start", `{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","accountSid":"AC1"}}`,
			Start{StreamSID: "MZ1", CallSID: "CA1", AccountSID: "AC1"}},
		{"start sid nested", `{"event":"start","start":{"streamSid":"MZ2","callSid":"CA2"}}`,
			Start{StreamSID: "MZ2", CallSID: "CA2"}},
		{"media", `{"event":"media","streamSid":"MZ1","media":{"payload":"AQID"}}`, Media{StreamSID: "MZ1", Payload: []byte{1, 2, 3}}},
		{"stop", `{"event":"stop","streamSid":"MZ1"}`, Stop{StreamSID: "MZ1"}},
		{"dtmf", `{"event":"dtmf","dtmf":{"digit":"5"}}`, DTMF{Digit: "5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.Name(), got.Name())
		})
	}
}

func TestParse_ProtocolErrors(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"streamSid":"x"}`,
		`{"event":"mark"}`,
		`{"event":"media"}`,
		`{"event":"media","media":{"payload":"%%%"}}`,
		`{"event":"start"}`,
	} {
		_, err := Parse([]byte(in))
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrProtocol), in)
		var pe *ProtocolError
		assert.True(t, errors.As(err, &pe), in)
	}
}

func TestEncodeMedia(t *testing.T) {
	msg, err := EncodeMedia("MZ1", []byte{1, 2, 3})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, "media", decoded["event"])
	assert.Equal(t, "MZ1", decoded["streamSid"])
	assert.Equal(t, "AQID", decoded["media"].(map[string]any)["payload"])
}

func TestConn_ReadAndWrite(t *testing.T) {
	events := make(chan Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			ev, err := c.ReadEvent()
			if err != nil {
				var pe *ProtocolError
				if errors.As(err, &pe) {
					continue
				}
				close(events)
				return
			}
			events <- ev
			if s, ok := ev.(Start); ok {
				_ = c.SendMedia(s.StreamSID, []byte{9, 9})
			}
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA9"}}`)))

	_, reply, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ9","media":{"payload":"CQk="}}`, string(reply))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ9"}`)))
	assert.Equal(t, Start{StreamSID: "MZ9", CallSID: "CA9"}, <-events)
	assert.Equal(t, Stop{StreamSID: "MZ9"}, <-events)
}
