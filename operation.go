package ftpnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Operation is one of the operations a host can ask a session to run.
type Operation int

const (
	OpList Operation = iota + 1
	OpRetrieve
	OpStore
	OpDelete
	OpRename
	OpMakeDir
)

var opNames = map[Operation]string{
	OpList:     "list",
	OpRetrieve: "get",
	OpStore:    "put",
	OpDelete:   "delete",
	OpRename:   "rename",
	OpMakeDir:  "mkdir",
}

// String returns the host-facing name: list, get, put, delete, rename, mkdir.
func (o Operation) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation maps a host-facing name to an Operation. The engine names
// (retrieve, store, makedir) are accepted too.
func ParseOperation(name string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "list", "ls":
		return OpList, nil
	case "get", "retrieve":
		return OpRetrieve, nil
	case "put", "store":
		return OpStore, nil
	case "delete", "del", "rm":
		return OpDelete, nil
	case "rename", "mv":
		return OpRename, nil
	case "mkdir", "makedir":
		return OpMakeDir, nil
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Request asks for one operation.
type Request struct {
	Op Operation

	// Path is the remote path the operation works on. List accepts an
	// empty path for the working directory.
	Path string

	// Target is the new name for OpRename.
	Target string

	// Source is the upload content for OpStore.
	Source io.Reader
}

// Result is the outcome of a successful Request.
type Result struct {
	Op Operation

	// Entries is set for OpList.
	Entries []*Entry

	// Body streams the file for OpRetrieve. The caller must read it to EOF
	// or close it before the session can run anything else.
	Body *Download

	// Payload is the buffered file content for OpRetrieve, set by RunOnce.
	Payload []byte

	// Bytes is the number of bytes sent for OpStore.
	Bytes int64
}

// Do runs req on the session. It dispatches to List, Retrieve, Store,
// Delete, Rename or MakeDir. For OpList a *PartialParseError may be returned
// together with a Result.
func (s *Session) Do(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Op: req.Op}
	var err error
	switch req.Op {
	case OpList:
		res.Entries, err = s.List(ctx, req.Path)
	case OpRetrieve:
		res.Body, err = s.Retrieve(ctx, req.Path)
	case OpStore:
		if req.Source == nil {
			return nil, newError(KindProgramming, "store", errors.New("request has no source"))
		}
		res.Bytes, err = s.Store(ctx, req.Path, req.Source)
	case OpDelete:
		err = s.Delete(ctx, req.Path)
	case OpRename:
		err = s.Rename(ctx, req.Path, req.Target)
	case OpMakeDir:
		err = s.MakeDir(ctx, req.Path)
	default:
		return nil, newError(KindProgramming, "do", fmt.Errorf("unknown operation %v", req.Op))
	}
	if err != nil && !errors.Is(err, ErrPartialParse) {
		return nil, err
	}
	return res, err
}

// RunOnce connects, runs one request and closes the session. A download is
// buffered into Result.Payload.
func RunOnce(ctx context.Context, opts ConnectionOptions, req Request, options ...Option) (*Result, error) {
	s, err := NewSession(opts, options...)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	res, err := s.Do(ctx, req)
	if res == nil || res.Body == nil {
		return res, err
	}

	body := res.Body
	res.Body = nil
	defer body.Close()
	if res.Payload, err = io.ReadAll(body); err != nil {
		return nil, err
	}
	return res, nil
}
