package nbdclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	h := requestHeader{
		Magic:  NBD_REQUEST_MAGIC,
		Type:   NBD_CMD_WRITE,
		Offset: 4096,
		Length: 512,
	}
	copy(h.Handle[:], "td00001")

	back := parseRequestHeader(h.bytes())
	assert.Equal(t, h, back)
}

func TestReplyHeaderRoundTrip(t *testing.T) {
	r := replyHeader{Magic: NBD_REPLY_MAGIC, Error: 0}
	copy(r.Handle[:], "td00042")

	back := parseReplyHeader(r.bytes())
	assert.Equal(t, r, back)
}

func TestRequestHeaderBytesLength(t *testing.T) {
	h := requestHeader{}
	assert.Len(t, h.bytes(), 28)
}

func TestReplyHeaderBytesLength(t *testing.T) {
	r := replyHeader{}
	assert.Len(t, r.bytes(), 16)
}
