package ftpnode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsSentinel(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
	}{
		{KindConnect, ErrConnect},
		{KindAuth, ErrAuth},
		{KindProtocol, ErrProtocol},
		{KindDataChannel, ErrDataChannel},
		{KindTruncatedTransfer, ErrTruncatedTransfer},
		{KindIO, ErrIO},
		{KindCancelled, ErrCancelled},
		{KindProgramming, ErrProgramming},
		{KindRejected, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newError(tt.kind, "op", errors.New("cause")))
			assert.ErrorIs(t, err, tt.sentinel)
			for _, other := range tests {
				if other.kind != tt.kind {
					assert.NotErrorIs(t, err, other.sentinel)
				}
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:        KindTruncatedTransfer,
		Op:          "retrieve",
		Command:     "RETR big.bin",
		Reply:       &Reply{Code: 150, Message: "Opening (100 bytes)"},
		Transferred: 50,
		Expected:    100,
		Err:         errors.New("no completion reply"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "retrieve")
	assert.Contains(t, msg, "RETR big.bin")
	assert.Contains(t, msg, "TruncatedTransferError")
	assert.Contains(t, msg, "received 50 of 100 bytes")
	assert.Contains(t, msg, "last reply 150")

	err.Expected = -1
	assert.Contains(t, err.Error(), "received 50 bytes")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := newError(KindIO, "store", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrIO)
}

func TestErrorReplyHelpers(t *testing.T) {
	temp := rejected("delete", "DELE f", &Reply{Code: 450, Message: "busy"})
	assert.Equal(t, 450, temp.Code())
	assert.True(t, temp.Is4xx())
	assert.True(t, temp.IsTemporary())
	assert.False(t, temp.IsPermanent())

	perm := rejected("delete", "DELE f", &Reply{Code: 550, Message: "missing"})
	assert.True(t, perm.Is5xx())
	assert.True(t, perm.IsPermanent())
	assert.False(t, perm.IsTemporary())

	none := newError(KindConnect, "connect", errors.New("refused"))
	assert.Equal(t, 0, none.Code())
	assert.False(t, none.IsTemporary())
	assert.False(t, none.IsPermanent())
}

func TestAsFatal(t *testing.T) {
	assert.False(t, asFatal(rejected("", "DELE x", &Reply{Code: 550})))
	assert.False(t, asFatal(&PartialParseError{Path: "/", Lines: []string{"?"}}))
	assert.True(t, asFatal(newError(KindProtocol, "", errMalformed)))
	assert.True(t, asFatal(newError(KindCancelled, "", nil)))
	assert.True(t, asFatal(errors.New("plain")))
}

func TestWithOp(t *testing.T) {
	err := withOp(newError(KindRejected, "", nil), "mkdir")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "mkdir", fe.Op)

	err = withOp(newError(KindRejected, "rename", nil), "mkdir")
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "rename", fe.Op)
}

func TestPartialParseError(t *testing.T) {
	err := &PartialParseError{Path: "/pub", Lines: []string{"??? weird", "more"}}
	assert.ErrorIs(t, err, ErrPartialParse)
	assert.Contains(t, err.Error(), "2 unparseable line(s)")
	assert.Contains(t, err.Error(), "??? weird")
}

func TestAsCancelled(t *testing.T) {
	cause := errors.New("deadline")
	err := asCancelled(newError(KindDataChannel, "retrieve", errors.New("use of closed connection")), cause)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, cause)

	err = asCancelled(errors.New("plain"), cause)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, cause)
}
