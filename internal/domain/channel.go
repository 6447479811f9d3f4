package domain

import (
	"fmt"
	"strconv"
)

const maxChannelKeyLength = 64

// ChannelKey identifies one channel. In practice it is a producer's UDP source
// port in decimal, but nothing downstream relies on that.
type ChannelKey = string

// ChannelInfo is a point-in-time view of a channel, safe to hand out of the registry.
type ChannelInfo struct {
	Key           ChannelKey
	ProducerLabel string
	Viewers       int
	Buffered      int
}

// ParseChannelKey validates a key taken from an untrusted source (URL path, control datagram).
func ParseChannelKey(raw string) (ChannelKey, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelKey)
	}
	if len(raw) > maxChannelKeyLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidChannelKey, maxChannelKeyLength)
	}
	for i := 0; i < len(raw); i++ {
		if !isKeyByte(raw[i]) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidChannelKey, raw[i])
		}
	}
	return raw, nil
}

// KeyForPort renders a UDP source port as a channel key.
func KeyForPort(port int) ChannelKey {
	return strconv.Itoa(port)
}

func isKeyByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	}
	return false
}
