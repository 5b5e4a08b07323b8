package ftpnode

import (
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// EntryType is the kind of a directory entry.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
	EntryLink EntryType = "link"
)

// Entry is one line of a directory listing.
type Entry struct {
	Name string
	Type EntryType
	Size int64

	// Mode holds the permission bits when the listing carries them
	// (Unix-style listings); zero otherwise.
	Mode fs.FileMode

	// ModTime is set when the listing format carries an unambiguous
	// timestamp (machine listings, EPLF); zero otherwise.
	ModTime time.Time

	// Target is the link target for symlinks.
	Target string

	// Raw is the listing line as received.
	Raw string
}

// ListingParser parses one listing line. It reports false when the line is
// not in its format, so the next parser can try.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// defaultParsers are tried in order after any custom parsers.
var defaultParsers = []ListingParser{FactsParser{}, EPLFParser{}, DOSParser{}, UnixParser{}}

// parseListing parses every line with parsers, then the built-in parsers.
// Lines nobody recognises are returned separately.
func parseListing(lines []string, parsers []ListingParser) (entries []*Entry, unparsed []string) {
	for _, line := range lines {
		// Only the line ending is stripped: names may begin or end with spaces.
		line = strings.TrimRight(line, "\r\n")
		if trimmed := strings.TrimSpace(line); trimmed == "" || isTotalLine(trimmed) {
			continue
		}
		if e := parseLine(line, parsers); e != nil {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			e.Raw = line
			entries = append(entries, e)
			continue
		}
		unparsed = append(unparsed, line)
	}
	return entries, unparsed
}

func parseLine(line string, custom []ListingParser) *Entry {
	for _, p := range custom {
		if e, ok := p.Parse(line); ok {
			return e
		}
	}
	for _, p := range defaultParsers {
		if e, ok := p.Parse(line); ok {
			return e
		}
	}
	return nil
}

// isTotalLine matches the "total 42" header of ls -l output.
func isTotalLine(line string) bool {
	rest, ok := strings.CutPrefix(line, "total ")
	if !ok {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	return err == nil
}

// UnixParser parses ls -l style lines:
//
//	-rw-r--r--   1 owner group    1234 Jan 01 12:00 name
//	drwxr-xr-x   2 owner           512 Jan 01  2023 dir
//	lrwxrwxrwx   1 owner group       7 Jan 01 12:00 link -> target
//
// The group column is optional and numeric modes (644) are accepted.
type UnixParser struct{}

func (UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}

	perms := fields[0]
	e := &Entry{Type: EntryFile}
	switch {
	case isSymbolicMode(perms):
		switch perms[0] {
		case 'd':
			e.Type = EntryDir
		case 'l':
			e.Type = EntryLink
		}
		e.Mode = symbolicPerm(perms[1:10])
	case isNumericMode(perms):
		m, _ := strconv.ParseUint(perms, 8, 32)
		e.Mode = fs.FileMode(m) & fs.ModePerm
	default:
		return nil, false
	}

	// With a group column the size is field 4 and the month field 5; without
	// it, field 3 and field 4. The month must not be a number.
	var sizeIdx, nameIdx int
	switch {
	case len(fields) >= 9 && isDigits(fields[4]) && !isDigits(fields[5]):
		sizeIdx, nameIdx = 4, 8
	case isDigits(fields[3]) && !isDigits(fields[4]):
		sizeIdx, nameIdx = 3, 7
	default:
		return nil, false
	}
	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return nil, false
	}
	e.Size = size

	// Rejoining fields collapses runs of spaces in names; cut the name from
	// the line instead. ls separates the name from the time with a single
	// space, so any further leading spaces belong to the name.
	name := fieldTail(line, nameIdx)
	if len(name) > 0 {
		name = name[1:]
	}
	if strings.TrimSpace(name) == "" {
		return nil, false
	}
	if e.Type == EntryLink {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name, e.Target = before, after
		}
	}
	e.Name = name
	return e, true
}

func isSymbolicMode(s string) bool {
	if len(s) < 10 {
		return false
	}
	if !strings.ContainsRune("-dlbcps", rune(s[0])) {
		return false
	}
	for _, c := range s[1:10] {
		if !strings.ContainsRune("-rwxsStT", c) {
			return false
		}
	}
	return true
}

func isNumericMode(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// symbolicPerm converts "rwxr-x---" to 0750. Setuid style letters count as
// execute when lowercase.
func symbolicPerm(s string) fs.FileMode {
	var m fs.FileMode
	for i, c := range s {
		if c != '-' && c != 'S' && c != 'T' {
			m |= 1 << (8 - i)
		}
	}
	return m
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// nthFieldRest returns line from the start of the n-th whitespace separated
// field to the end.
func nthFieldRest(line string, n int) string {
	return strings.TrimLeft(fieldTail(line, n), " \t")
}

// fieldTail returns line after the first n fields, starting with the
// separator that follows them.
func fieldTail(line string, n int) string {
	rest := line
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	return rest
}

// DOSParser parses IIS style lines:
//
//	12-14-23  12:22PM           1037794 report.pdf
//	09-24-24  10:30AM       <DIR>          logs
type DOSParser struct{}

func (DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) || !isDOSTime(fields[1]) {
		return nil, false
	}
	name := nthFieldRest(line, 3)
	if name == "" {
		return nil, false
	}
	if fields[2] == "<DIR>" {
		return &Entry{Name: name, Type: EntryDir}, true
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, false
	}
	return &Entry{Name: name, Type: EntryFile, Size: size}, true
}

// isDOSDate accepts MM-DD-YY, MM-DD-YYYY and the same with slashes.
func isDOSDate(s string) bool {
	sep := "-"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return false
	}
	for i, p := range parts {
		if !isDigits(p) {
			return false
		}
		if i < 2 && len(p) > 2 {
			return false
		}
		if i == 2 && len(p) != 2 && len(p) != 4 {
			return false
		}
	}
	return true
}

// isDOSTime accepts 12:22PM, 12:22 and 12:22:05.
func isDOSTime(s string) bool {
	s = strings.TrimSuffix(strings.TrimSuffix(strings.ToUpper(s), "AM"), "PM")
	h, m, ok := strings.Cut(s, ":")
	return ok && isDigits(h) && m != "" && isDigits(strings.ReplaceAll(m, ":", ""))
}

// EPLFParser parses Easily Parsed LIST Format lines:
//
//	+i8388621.48594,m825718503,r,s280,	djb.html
//	+i8388621.50690,m824255907,/,	514
type EPLFParser struct{}

func (EPLFParser) Parse(line string) (*Entry, bool) {
	rest, ok := strings.CutPrefix(line, "+")
	if !ok {
		return nil, false
	}
	i := strings.IndexAny(rest, "\t ")
	if i < 0 {
		return nil, false
	}
	facts, name := rest[:i], rest[i+1:]
	if strings.TrimSpace(name) == "" {
		return nil, false
	}

	e := &Entry{Name: name, Type: EntryFile}
	for fact := range strings.SplitSeq(facts, ",") {
		switch {
		case fact == "/":
			e.Type = EntryDir
		case strings.HasPrefix(fact, "m"):
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				e.ModTime = time.Unix(n, 0).UTC()
			}
		case strings.HasPrefix(fact, "s"):
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				e.Size = n
			}
		case strings.HasPrefix(fact, "up"):
			if m, err := strconv.ParseUint(fact[2:], 8, 32); err == nil {
				e.Mode = fs.FileMode(m) & fs.ModePerm
			}
		}
	}
	return e, true
}
