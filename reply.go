package ftpnode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxReplyLine bounds a single reply line.
const maxReplyLine = 4096

// errMalformed marks reply grammar violations so the control channel can
// classify them as protocol errors rather than transport errors.
var errMalformed = errors.New("malformed reply")

// Reply represents an FTP control-channel reply.
type Reply struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the text of every line, code prefixes stripped, joined by "\n"
	Message string

	// Lines contains all raw lines of the reply
	Lines []string
}

// Multiline reports whether the reply spanned more than one line.
func (r *Reply) Multiline() bool {
	return len(r.Lines) > 1
}

// Is1xx returns true for a positive preliminary reply.
func (r *Reply) Is1xx() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Reply) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the reply code is in the 4xx range (temporary failure).
func (r *Reply) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the reply code is in the 5xx range (permanent failure).
func (r *Reply) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the raw reply.
func (r *Reply) String() string {
	return strings.Join(r.Lines, "\n")
}

// readReply reads one complete reply.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"211-Features:\r\n"
//	" MDTM\r\n"
//	"211 End\r\n"
//
// The reply is complete when a line starts with the opening code followed by
// a space. Continuation lines must start with that code or with a space.
func readReply(r *bufio.Reader) (*Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	code, sep, err := splitCode(line)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Code: code, Lines: []string{line}}
	text := []string{line[4:]}

	if sep == '-' {
		codeStr := line[:3]
		for {
			next, err := readLine(r)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil, fmt.Errorf("%w: EOF inside multi-line %s reply", errMalformed, codeStr)
				}
				return nil, err
			}
			reply.Lines = append(reply.Lines, next)

			// RFC 2389 continuation
			if next != "" && next[0] == ' ' {
				text = append(text, strings.TrimSpace(next))
				continue
			}

			if len(next) < 4 || next[:3] != codeStr || (next[3] != ' ' && next[3] != '-') {
				return nil, fmt.Errorf("%w: unexpected line in %s reply: %q", errMalformed, codeStr, next)
			}
			text = append(text, next[4:])
			if next[3] == ' ' {
				break
			}
		}
	}

	reply.Message = strings.Join(text, "\n")
	return reply, nil
}

// readLine reads one CRLF (or bare LF) terminated line.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxReplyLine {
			return "", fmt.Errorf("%w: line exceeds %d bytes", errMalformed, maxReplyLine)
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// splitCode validates "ddd " / "ddd-" and returns the code and separator.
func splitCode(line string) (int, byte, error) {
	if len(line) < 4 {
		return 0, 0, fmt.Errorf("%w: %q", errMalformed, line)
	}
	code, err := parseCode(line[:3])
	if err != nil {
		return 0, 0, err
	}
	if line[3] != ' ' && line[3] != '-' {
		return 0, 0, fmt.Errorf("%w: bad separator in %q", errMalformed, line)
	}
	return code, line[3], nil
}

func parseCode(s string) (int, error) {
	if len(s) != 3 || s[0] < '1' || s[0] > '6' {
		return 0, fmt.Errorf("%w: invalid reply code %q", errMalformed, s)
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid reply code %q", errMalformed, s)
	}
	return code, nil
}

// parseFeatureLines parses the lines of a FEAT reply.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var feat string
		switch {
		case line != "" && line[0] == ' ':
			feat = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) > 4 && line[3] == '-':
			feat = strings.TrimSpace(line[4:])
		default:
			continue
		}
		if feat == "" {
			continue
		}

		name, params, _ := strings.Cut(feat, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}
