package ftpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTranslateOutboundASCIIAddsCR checks that ASCII transfers rewrite
// bare "\n" to "\r\n" on the way to the wire.
func TestTranslateOutboundASCIIAddsCR(t *testing.T) {
	got := translateOutbound([]byte("a\nb\n"), RepresentationASCII, Sender)
	assert.Equal(t, "a\r\nb\r\n", string(got))
}

// TestTranslateOutboundImagePassesThrough checks the other side: Image
// transfers must never be rewritten, even if the bytes happen to contain
// "\n".
func TestTranslateOutboundImagePassesThrough(t *testing.T) {
	raw := []byte{0x00, '\n', 0xFF, '\n'}
	got := translateOutbound(raw, RepresentationImage, Sender)
	assert.Equal(t, raw, got)
}

func TestTranslateInboundASCIIStripsCR(t *testing.T) {
	got := translateInbound([]byte("a\r\nb\r\n"), RepresentationASCII)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestTranslateInboundImagePassesThrough(t *testing.T) {
	raw := []byte{0x0D, 0x0A, 0xFE}
	got := translateInbound(raw, RepresentationImage)
	assert.Equal(t, raw, got)
}
