package ftpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEncodePasvReplyEncoding covers the H1-H4,P1,P2 octet encoding.
func TestEncodePasvReplyEncoding(t *testing.T) {
	got := encodePasvReply([4]byte{127, 0, 0, 1}, 0x1234)
	assert.Equal(t, "227 Entering Passive Mode (127,0,0,1,18,52).\r\n", got)
}

func TestEncodePasvReplyLowPort(t *testing.T) {
	got := encodePasvReply([4]byte{10, 0, 0, 5}, 21)
	assert.Equal(t, "227 Entering Passive Mode (10,0,0,5,0,21).\r\n", got)
}

// TestCRLFPredicateFindsDelimiter checks that ReadUntil's predicate
// correctly locates CRLF and reports the length including it.
func TestCRLFPredicateFindsDelimiter(t *testing.T) {
	assert.Equal(t, 6, crlfPredicate([]byte("USER\r\n")))
	assert.Equal(t, -1, crlfPredicate([]byte("USER")))
	assert.Equal(t, -1, crlfPredicate(nil))
}

func TestCRLFPredicateFindsFirstOccurrenceOnly(t *testing.T) {
	assert.Equal(t, 6, crlfPredicate([]byte("USER\r\nNOOP\r\n")))
}
