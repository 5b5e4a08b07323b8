package ftpnode

import (
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// FactsParser parses RFC 3659 machine listing lines, as sent by MLSD or by
// servers that answer LIST in the same format:
//
//	type=file;size=1024;modify=20240115103000;unix.mode=0644; report.txt
//	type=dir;modify=20240115103000; logs
//
// The current and parent directory entries (type=cdir, type=pdir) are
// recognised and named "." and "..", so listings drop them.
type FactsParser struct{}

func (FactsParser) Parse(line string) (*Entry, bool) {
	factsStr, name, ok := strings.Cut(line, " ")
	if !ok || name == "" || !strings.Contains(factsStr, "=") || !strings.HasSuffix(factsStr, ";") {
		return nil, false
	}
	facts := parseFacts(factsStr)

	e := &Entry{Name: name, Type: EntryFile}
	switch strings.ToLower(facts["type"]) {
	case "", "file":
	case "dir":
		e.Type = EntryDir
	case "cdir":
		e.Type, e.Name = EntryDir, "."
	case "pdir":
		e.Type, e.Name = EntryDir, ".."
	case "os.unix=symlink", "os.unix=slink":
		e.Type = EntryLink
	default:
		// Unknown types (devices, os.* extensions) are listed as files.
	}

	if v, ok := facts["size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.Size = n
		}
	}
	if v, ok := facts["modify"]; ok {
		e.ModTime = parseFactTime(v)
	}
	if v, ok := facts["unix.mode"]; ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			e.Mode = fs.FileMode(m) & fs.ModePerm
		}
	}
	return e, true
}

// parseFacts splits "fact1=value1;fact2=value2;" into a map with lower-case
// fact names.
func parseFacts(s string) map[string]string {
	facts := make(map[string]string)
	for pair := range strings.SplitSeq(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		facts[strings.ToLower(k)] = v
	}
	return facts
}

// parseFactTime parses YYYYMMDDHHMMSS with optional fractional seconds, in UTC.
func parseFactTime(v string) time.Time {
	ts, _, _ := strings.Cut(v, ".")
	if len(ts) != 14 {
		return time.Time{}
	}
	t, err := time.Parse("20060102150405", ts)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
