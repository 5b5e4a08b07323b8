package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpnode"
)

// message is the JSON document printed for every finished operation.
type message struct {
	Operation     string `json:"operation"`
	Filename      string `json:"filename,omitempty"`
	LocalFilename string `json:"localFilename,omitempty"`
	Message       string `json:"message"`
	Payload       any    `json:"payload,omitempty"`
}

// listEntry is the JSON form of a listing entry.
type listEntry struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	Mode   string `json:"mode,omitempty"`
	Target string `json:"target,omitempty"`
}

func printMessage(w io.Writer, m message) error {
	return json.NewEncoder(w).Encode(m)
}

var outputFile string

var listCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List a remote directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) == 1 {
			dir = args[0]
		}
		return runOp(cmd, ftpnode.Request{Op: ftpnode.OpList, Path: dir}, "", func(res *ftpnode.Result, m *message) {
			entries := make([]listEntry, 0, len(res.Entries))
			for _, e := range res.Entries {
				le := listEntry{Name: e.Name, Type: string(e.Type), Size: e.Size, Target: e.Target}
				if e.Mode != 0 {
					le.Mode = e.Mode.String()
				}
				entries = append(entries, le)
			}
			m.Payload = entries
			m.Message = fmt.Sprintf("%d entries", len(entries))
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <remote>",
	Short: "Download a file",
	Long: `Download a file. Without --output the content is buffered and printed
as the message payload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		m := message{Operation: ftpnode.OpRetrieve.String(), Filename: args[0]}

		if outputFile == "" {
			res, err := e.run(cmd.Context(), ftpnode.Request{Op: ftpnode.OpRetrieve, Path: args[0]})
			if err != nil {
				return errors.Join(err, e.finish())
			}
			m.Payload = string(res.Payload)
			m.Message = fmt.Sprintf("received %d bytes", len(res.Payload))
			return errors.Join(printMessage(cmd.OutOrStdout(), m), e.finish())
		}

		s, err := ftpnode.NewSession(e.cfg.Connection, e.sessionOptions()...)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Connect(cmd.Context()); err != nil {
			return errors.Join(err, e.finish())
		}
		n, err := s.RetrieveFile(cmd.Context(), args[0], outputFile)
		if err != nil {
			return errors.Join(err, e.finish())
		}
		m.LocalFilename = outputFile
		m.Message = fmt.Sprintf("received %d bytes", n)
		return errors.Join(printMessage(cmd.OutOrStdout(), m), e.finish())
	},
}

var putCmd = &cobra.Command{
	Use:   "put <local> [remote]",
	Short: "Upload a file",
	Long:  `Upload a local file. The remote name defaults to the local base name.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := args[0]
		remote := filepath.Base(local)
		if len(args) == 2 {
			remote = args[1]
		}
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()

		req := ftpnode.Request{Op: ftpnode.OpStore, Path: remote, Source: f}
		return runOp(cmd, req, local, func(res *ftpnode.Result, m *message) {
			m.Message = fmt.Sprintf("sent %d bytes", res.Bytes)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <remote>...",
	Short: "Delete one or more files",
	Long: `Delete files. Several paths run over independent sessions in parallel,
bounded by the parallel setting.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}

		// Every path is attempted; one failure does not cancel the others.
		msgs := make([]*message, len(args))
		errs := make([]error, len(args))
		var g errgroup.Group
		g.SetLimit(e.cfg.Parallel)
		for i, name := range args {
			g.Go(func() error {
				if _, err := e.run(cmd.Context(), ftpnode.Request{Op: ftpnode.OpDelete, Path: name}); err != nil {
					errs[i] = fmt.Errorf("delete %s: %w", name, err)
					return errs[i]
				}
				msgs[i] = &message{Operation: ftpnode.OpDelete.String(), Filename: name, Message: "deleted"}
				return nil
			})
		}
		_ = g.Wait()
		err = errors.Join(errs...)

		for _, m := range msgs {
			if m != nil {
				err = errors.Join(err, printMessage(cmd.OutOrStdout(), *m))
			}
		}
		return errors.Join(err, e.finish())
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <from> <to>",
	Short: "Rename a remote file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := ftpnode.Request{Op: ftpnode.OpRename, Path: args[0], Target: args[1]}
		return runOp(cmd, req, "", func(_ *ftpnode.Result, m *message) {
			m.Message = "renamed to " + args[1]
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote>",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(cmd, ftpnode.Request{Op: ftpnode.OpMakeDir, Path: args[0]}, "", func(_ *ftpnode.Result, m *message) {
			m.Message = "created"
		})
	},
}

func init() {
	getCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the file here instead of printing it")
}

// runOp runs req on one session and prints the message fill produces.
func runOp(cmd *cobra.Command, req ftpnode.Request, local string, fill func(*ftpnode.Result, *message)) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	res, err := e.run(cmd.Context(), req)
	if errors.Is(err, ftpnode.ErrPartialParse) && res != nil {
		e.logger.Warn("some listing lines were not understood", "error", err)
		err = nil
	}
	if err != nil {
		return errors.Join(err, e.finish())
	}
	m := message{Operation: req.Op.String(), Filename: req.Path, LocalFilename: local}
	fill(res, &m)
	return errors.Join(printMessage(cmd.OutOrStdout(), m), e.finish())
}
