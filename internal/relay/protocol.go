package relay

import (
	"bytes"
	"net"
	"strings"

	"github.com/pscheid92/logcast/internal/domain"
)

const (
	controlPrefix = "PONG:"
	announcement  = "PING"

	replacementChar = "\uFFFD"
)

// Kind is the classification of one datagram.
type Kind int

const (
	KindDrop Kind = iota
	KindControl
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return "drop"
	}
}

// DropReason labels why a datagram was discarded.
type DropReason string

const (
	DropMalformedControl DropReason = "malformed_control"
	DropInvalidKey       DropReason = "invalid_key"
	DropFiltered         DropReason = "filtered"
	DropEmpty            DropReason = "empty"
)

// Message is a classified datagram. Key and Label are set for control
// messages, Key and Line for data, Reason for drops.
type Message struct {
	Kind   Kind
	Key    domain.ChannelKey
	Label  string
	Line   string
	Reason DropReason
}

// Classifier turns raw datagrams into messages. A nil Source accepts data from any sender.
type Classifier struct {
	ControlPort int
	Source      net.IP
}

func (c Classifier) Classify(src *net.UDPAddr, payload []byte) Message {
	if src.Port == c.ControlPort {
		return classifyControl(payload)
	}

	if c.Source != nil && !c.Source.Equal(src.IP) {
		return Message{Kind: KindDrop, Reason: DropFiltered}
	}
	if len(payload) == 0 {
		return Message{Kind: KindDrop, Reason: DropEmpty}
	}
	return Message{
		Kind: KindData,
		Key:  domain.KeyForPort(src.Port),
		Line: NormalizeNewlines(toText(payload)),
	}
}

func classifyControl(payload []byte) Message {
	rest, ok := bytes.CutPrefix(payload, []byte(controlPrefix))
	if !ok {
		return Message{Kind: KindDrop, Reason: DropMalformedControl}
	}
	rest = bytes.TrimRight(rest, "\r\n")

	rawKey, label, ok := strings.Cut(string(rest), ":")
	if !ok {
		return Message{Kind: KindDrop, Reason: DropMalformedControl}
	}
	key, err := domain.ParseChannelKey(rawKey)
	if err != nil {
		return Message{Kind: KindDrop, Reason: DropInvalidKey}
	}
	return Message{Kind: KindControl, Key: key, Label: strings.ToValidUTF8(label, replacementChar)}
}

// toText replaces invalid UTF-8 so every line can travel as a websocket text frame.
func toText(payload []byte) string {
	return string(bytes.ToValidUTF8(payload, []byte(replacementChar)))
}

// NormalizeNewlines rewrites every bare "\n" as "\r\n" for terminal consumers.
// Existing "\r\n" pairs are left alone.
func NormalizeNewlines(s string) string {
	bare := strings.Count(s, "\n") - strings.Count(s, "\r\n")
	if bare == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + bare)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
