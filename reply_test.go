package ftpnode

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readReplyString(s string) (*Reply, error) {
	return readReply(bufio.NewReader(strings.NewReader(s)))
}

func TestReadReply(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCode  int
		wantMsg   string
		wantLines int
	}{
		{
			name:      "single line",
			input:     "220 Service ready\r\n",
			wantCode:  220,
			wantMsg:   "Service ready",
			wantLines: 1,
		},
		{
			name:      "bare LF",
			input:     "200 OK\n",
			wantCode:  200,
			wantMsg:   "OK",
			wantLines: 1,
		},
		{
			name:      "multi-line with code prefixes",
			input:     "220-Welcome\r\n220-to the\r\n220 server\r\n",
			wantCode:  220,
			wantMsg:   "Welcome\nto the\nserver",
			wantLines: 3,
		},
		{
			name:      "RFC 2389 continuation lines",
			input:     "211-Features:\r\n EPSV\r\n SIZE\r\n MLST type*;size*;\r\n211 End\r\n",
			wantCode:  211,
			wantMsg:   "Features:\nEPSV\nSIZE\nMLST type*;size*;\nEnd",
			wantLines: 5,
		},
		{
			name:      "empty message",
			input:     "200 \r\n",
			wantCode:  200,
			wantMsg:   "",
			wantLines: 1,
		},
		{
			name:      "preliminary",
			input:     "150 Opening data connection (42 bytes)\r\n",
			wantCode:  150,
			wantMsg:   "Opening data connection (42 bytes)",
			wantLines: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := readReplyString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, reply.Code)
			assert.Equal(t, tt.wantMsg, reply.Message)
			assert.Len(t, reply.Lines, tt.wantLines)
			assert.Equal(t, tt.wantLines > 1, reply.Multiline())
		})
	}
}

func TestReadReplyMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "22\r\n"},
		{"non numeric code", "abc Hello\r\n"},
		{"code out of range", "700 Hello\r\n"},
		{"missing separator", "220Hello\r\n"},
		{"bad separator", "220_Hello\r\n"},
		{"foreign line in multi-line", "211-Features\r\ngarbage\r\n211 End\r\n"},
		{"other code in multi-line", "211-Features\r\n200 OK\r\n"},
		{"EOF inside multi-line", "211-Features\r\n EPSV\r\n"},
		{"line too long", "200 " + strings.Repeat("x", maxReplyLine) + "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readReplyString(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errMalformed), "want errMalformed, got %v", err)
		})
	}
}

func TestReadReplyEOF(t *testing.T) {
	_, err := readReplyString("")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errMalformed))
}

func TestReadReplySequence(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("150 Opening\r\n226-Transfer\r\n226 complete\r\n"))

	first, err := readReply(r)
	require.NoError(t, err)
	assert.True(t, first.Is1xx())

	second, err := readReply(r)
	require.NoError(t, err)
	assert.Equal(t, 226, second.Code)
	assert.Equal(t, "Transfer\ncomplete", second.Message)
}

func TestReplyClasses(t *testing.T) {
	tests := []struct {
		code                          int
		is1xx, is2xx, is3xx, is4, is5 bool
	}{
		{150, true, false, false, false, false},
		{226, false, true, false, false, false},
		{331, false, false, true, false, false},
		{425, false, false, false, true, false},
		{550, false, false, false, false, true},
	}
	for _, tt := range tests {
		r := &Reply{Code: tt.code}
		assert.Equal(t, tt.is1xx, r.Is1xx(), tt.code)
		assert.Equal(t, tt.is2xx, r.Is2xx(), tt.code)
		assert.Equal(t, tt.is3xx, r.Is3xx(), tt.code)
		assert.Equal(t, tt.is4, r.Is4xx(), tt.code)
		assert.Equal(t, tt.is5, r.Is5xx(), tt.code)
	}
}

func TestParseFeatureLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  map[string]string
	}{
		{
			name:  "RFC 2389",
			lines: []string{"211-Features:", " EPSV", " MLST type*;size*;", " REST STREAM", "211 End"},
			want:  map[string]string{"EPSV": "", "MLST": "type*;size*;", "REST": "STREAM"},
		},
		{
			name:  "code prefixed",
			lines: []string{"211-Features", "211-UTF8", "211-AUTH TLS", "211 End"},
			want:  map[string]string{"UTF8": "", "AUTH": "TLS"},
		},
		{
			name:  "lower case names",
			lines: []string{"211-Features:", " size", "211 End"},
			want:  map[string]string{"SIZE": ""},
		},
		{
			name:  "no features",
			lines: []string{"211 No features"},
			want:  map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseFeatureLines(tt.lines))
		})
	}
}

func FuzzReadReply(f *testing.F) {
	f.Add("220 Service ready\r\n")
	f.Add("211-Features:\r\n EPSV\r\n211 End\r\n")
	f.Add("220-a\r\n220-b\r\n220 c\r\n")
	f.Add("999 x\r\n")
	f.Fuzz(func(t *testing.T, input string) {
		reply, err := readReplyString(input)
		if err != nil {
			return
		}
		if reply.Code < 100 || reply.Code > 699 {
			t.Errorf("code %d out of range", reply.Code)
		}
		if len(reply.Lines) == 0 {
			t.Error("reply without lines")
		}
	})
}
