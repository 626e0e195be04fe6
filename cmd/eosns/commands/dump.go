package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/pkg/journal"
	"github.com/synnove/eos/pkg/metadata/codec"
)

var (
	dumpFrom  uint64
	dumpLimit int
)

var dumpCmd = &cobra.Command{
	Use:   "dump <journal>",
	Short: "List the records of a journal",
	Long: `Print the records of a file or container journal without loading it.
The journal kind is recognized from its header. The file is opened
read-only, so a journal in use by a master can be dumped safely.

Examples:
  eosns dump /var/eos/md/files.mdlog
  eosns dump /var/eos/md/directories.mdlog --limit 20 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().Uint64Var(&dumpFrom, "from", 0, "start offset (default: first record)")
	dumpCmd.Flags().IntVar(&dumpLimit, "limit", 0, "stop after this many records (0: all)")
}

// DumpedRecord is one listed journal record.
type DumpedRecord struct {
	Offset uint64 `json:"offset" yaml:"offset"`
	Type   string `json:"type" yaml:"type"`
	Size   uint64 `json:"size" yaml:"size"`
	ID     uint64 `json:"id,omitempty" yaml:"id,omitempty"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Parent uint64 `json:"parent,omitempty" yaml:"parent,omitempty"`
	Clock  uint64 `json:"clock,omitempty" yaml:"clock,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// JournalDump is the result of dumpJournal.
type JournalDump struct {
	Path      string         `json:"path" yaml:"path"`
	Kind      string         `json:"kind" yaml:"kind"`
	Compacted bool           `json:"compacted" yaml:"compacted"`
	Next      uint64         `json:"next_offset" yaml:"next_offset"`
	Records   []DumpedRecord `json:"records" yaml:"records"`
}

func (d *JournalDump) Headers() []string {
	return []string{"Offset", "Type", "Size", "ID", "Name", "Parent", "Clock"}
}

func (d *JournalDump) Rows() [][]string {
	rows := make([][]string, 0, len(d.Records))
	for _, r := range d.Records {
		name := r.Name
		if r.Error != "" {
			name = "<" + r.Error + ">"
		}
		rows = append(rows, []string{
			strconv.FormatUint(r.Offset, 10),
			r.Type,
			strconv.FormatUint(r.Size, 10),
			idCell(r.ID),
			name,
			idCell(r.Parent),
			idCell(r.Clock),
		})
	}
	return rows
}

func idCell(v uint64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

// openAnyJournal opens path read-only as a file journal, then as a
// container journal.
func openAnyJournal(path string) (*journal.Journal, string, error) {
	j, err := journal.Open(path, journal.ModeFollower, journal.FileMagic)
	if err == nil {
		return j, "files", nil
	}
	if !errors.Is(err, journal.ErrBadMagic) {
		return nil, "", err
	}
	j, err = journal.Open(path, journal.ModeFollower, journal.ContainerMagic)
	if err != nil {
		return nil, "", err
	}
	return j, "containers", nil
}

// dumpJournal lists up to limit records starting at from. Undecodable
// payloads are listed with their error instead of failing the dump.
func dumpJournal(path string, from uint64, limit int) (*JournalDump, error) {
	j, kind, err := openAnyJournal(path)
	if err != nil {
		return nil, err
	}
	defer j.Close()

	d := &JournalDump{Path: path, Kind: kind, Compacted: j.Compacted(), Records: []DumpedRecord{}}
	next, err := j.Scan(from, func(rec journal.Record) error {
		d.Records = append(d.Records, describeRecord(kind, rec))
		if limit > 0 && len(d.Records) >= limit {
			return journal.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	d.Next = next
	return d, nil
}

func describeRecord(kind string, rec journal.Record) DumpedRecord {
	out := DumpedRecord{Offset: rec.Offset, Type: rec.Type.String(), Size: rec.Size()}

	switch rec.Type {
	case journal.Delete:
		id, err := codec.RecordID(rec.Payload)
		if err != nil {
			out.Error = err.Error()
		}
		out.ID = id
	case journal.Update:
		if kind == "files" {
			f, err := codec.DecodeFile(rec.Payload)
			if err != nil {
				out.Error = err.Error()
				return out
			}
			out.ID, out.Name, out.Parent, out.Clock = f.ID, f.Name, f.ContainerID, f.Clock
			return out
		}
		c, err := codec.DecodeContainer(rec.Payload)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.ID, out.Name, out.Parent, out.Clock = c.ID, c.Name, c.ParentID, c.Clock
	}
	return out
}

func runDump(cmd *cobra.Command, args []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	d, err := dumpJournal(args[0], dumpFrom, dumpLimit)
	if err != nil {
		return err
	}
	return p.Print(d, nil)
}
