package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := Classifier{ControlPort: 5001}
	producer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 9001}
	control := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5001}

	tests := []struct {
		name    string
		src     *net.UDPAddr
		payload string
		want    Message
	}{
		{"heartbeat", control, "PONG:9001:api-server", Message{Kind: KindControl, Key: "9001", Label: "api-server"}},
		{"heartbeat with trailing newline", control, "PONG:9001:worker\r\n", Message{Kind: KindControl, Key: "9001", Label: "worker"}},
		{"label with colons", control, "PONG:9001:node:/srv/app.js", Message{Kind: KindControl, Key: "9001", Label: "node:/srv/app.js"}},
		{"empty label", control, "PONG:9001:", Message{Kind: KindControl, Key: "9001"}},
		{"control without label separator", control, "PONG:9001", Message{Kind: KindDrop, Reason: DropMalformedControl}},
		{"control with empty key", control, "PONG::worker", Message{Kind: KindDrop, Reason: DropInvalidKey}},
		{"control with bad key", control, "PONG:../etc:worker", Message{Kind: KindDrop, Reason: DropInvalidKey}},
		{"unknown control payload", control, "PING", Message{Kind: KindDrop, Reason: DropMalformedControl}},
		{"data keyed by source port", producer, "hello", Message{Kind: KindData, Key: "9001", Line: "hello"}},
		{"data is normalized", producer, "a\nb\n", Message{Kind: KindData, Key: "9001", Line: "a\r\nb\r\n"}},
		{"data that looks like control", producer, "PONG:1:x", Message{Kind: KindData, Key: "9001", Line: "PONG:1:x"}},
		{"empty data", producer, "", Message{Kind: KindDrop, Reason: DropEmpty}},
		{"latin1 data is made valid utf-8", producer, "caf\xe9 latin1\n", Message{Kind: KindData, Key: "9001", Line: "caf\uFFFD latin1\r\n"}},
		{"truncated multibyte rune", producer, "snow \xe2\x98", Message{Kind: KindData, Key: "9001", Line: "snow \uFFFD"}},
		{"utf-8 data untouched", producer, "grüße ☃", Message{Kind: KindData, Key: "9001", Line: "grüße ☃"}},
		{"label with invalid utf-8", control, "PONG:9001:w\xffrker", Message{Kind: KindControl, Key: "9001", Label: "w\uFFFDrker"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.src, []byte(tt.payload)))
		})
	}
}

func TestClassify_SourceFilter(t *testing.T) {
	c := Classifier{ControlPort: 5001, Source: net.ParseIP("192.168.1.20")}

	allowed := c.Classify(&net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 40000}, []byte("ok"))
	assert.Equal(t, KindData, allowed.Kind)
	assert.Equal(t, "40000", allowed.Key)

	denied := c.Classify(&net.UDPAddr{IP: net.ParseIP("192.168.1.21"), Port: 40000}, []byte("nope"))
	assert.Equal(t, Message{Kind: KindDrop, Reason: DropFiltered}, denied)

	// Heartbeats are recognized by port regardless of sender address.
	hb := c.Classify(&net.UDPAddr{IP: net.ParseIP("192.168.1.21"), Port: 5001}, []byte("PONG:40000:svc"))
	assert.Equal(t, KindControl, hb.Kind)
}

func TestNormalizeNewlines(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"plain":       "plain",
		"\n":          "\r\n",
		"a\nb":        "a\r\nb",
		"a\r\nb":      "a\r\nb",
		"a\r\n\nb\n":  "a\r\n\r\nb\r\n",
		"\r":          "\r",
		"x\n\n\n":     "x\r\n\r\n\r\n",
		"mixed\r\n\n": "mixed\r\n\r\n",
	}

	for in, want := range tests {
		assert.Equal(t, want, NormalizeNewlines(in), "input %q", in)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "control", KindControl.String())
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "drop", KindDrop.String())
}
