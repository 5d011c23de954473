// Package script reads lock scripts: one lock manager request per line,
// optionally followed by the outcome it is expected to have.
//
//	# owner  file  start:len  type   mode
//	lock   a      data  0:10       write  nowait   => ok
//	lock   b      data  5:10       write  nowait   => would_block
//	lock   7@2    data  end-4k:    read   async
//	show   data
//
// Owners are local names, or pid@sysid for remote identities.  Offsets and
// lengths accept sizes such as 4k or 1MiB; a start of end, end-N or end+N is
// relative to the size of the file, and an empty length or eof extends to
// the end of the file.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/containers/rangelock/pkg/rangelock"
	units "github.com/docker/go-units"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/zeebo/xxh3"
)

// ErrSyntax is returned for lines which cannot be parsed.
var ErrSyntax = errors.New("lock script syntax error")

// Kind is the operation of a script line.
type Kind int

const (
	// Lock: lock OWNER FILE RANGE TYPE [wait|nowait|async]
	Lock Kind = iota
	// Unlock: unlock OWNER FILE RANGE
	Unlock
	// Test: test OWNER FILE RANGE TYPE, expecting none or conflict
	Test
	// Cancel: cancel OWNER FILE, withdrawing the owner's last async request
	Cancel
	// Purge: purge FILE
	Purge
	// SysClear: sysclear SYSID
	SysClear
	// Show: show FILE
	Show
	// Join: join, waiting for every blocking request still running
	Join
)

var names = []string{"lock", "unlock", "test", "cancel", "purge", "sysclear", "show", "join"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Op is one parsed line.
type Op struct {
	Line   int
	Kind   Kind
	Owner  string
	File   string
	Region rangelock.Region
	Type   rangelock.LockType
	Mode   rangelock.WaitMode
	SysID  int32
	// Expect is the outcome the line must have, or empty.  Outcomes are
	// named as by rangelock.Outcome; test lines use none and conflict.
	Expect string
}

func (op Op) String() string {
	switch op.Kind {
	case Lock:
		return fmt.Sprintf("%s %s %s %s %s %s", op.Kind, op.Owner, op.File, formatRegion(op.Region), op.Type, op.Mode)
	case Unlock:
		return fmt.Sprintf("%s %s %s %s", op.Kind, op.Owner, op.File, formatRegion(op.Region))
	case Test:
		return fmt.Sprintf("%s %s %s %s %s", op.Kind, op.Owner, op.File, formatRegion(op.Region), op.Type)
	case Cancel:
		return fmt.Sprintf("%s %s %s", op.Kind, op.Owner, op.File)
	case Purge, Show:
		return fmt.Sprintf("%s %s", op.Kind, op.File)
	case SysClear:
		return fmt.Sprintf("%s %d", op.Kind, op.SysID)
	}
	return op.Kind.String()
}

func formatRegion(r rangelock.Region) string {
	start := strconv.FormatInt(r.Start, 10)
	if r.Whence == rangelock.SeekEnd {
		start = "end"
		if r.Start > 0 {
			start += "+"
		}
		if r.Start != 0 {
			start += strconv.FormatInt(r.Start, 10)
		}
	}
	if r.Len == 0 {
		return start + ":"
	}
	return start + ":" + strconv.FormatInt(r.Len, 10)
}

// Identity maps an owner name of a script to a lock identity: pid@sysid is
// a remote identity, anything else a local one with a token derived from the
// name.
func Identity(name string) (rangelock.Identity, error) {
	if pid, sysid, ok := strings.Cut(name, "@"); ok {
		p, err := strconv.ParseInt(pid, 10, 32)
		if err != nil {
			return rangelock.Identity{}, fmt.Errorf("owner %q: %v: %w", name, err, ErrSyntax)
		}
		s, err := strconv.ParseInt(sysid, 10, 32)
		if err != nil {
			return rangelock.Identity{}, fmt.Errorf("owner %q: %v: %w", name, err, ErrSyntax)
		}
		return rangelock.RemoteIdentity(int32(p), int32(s)), nil
	}
	if name == "" {
		return rangelock.Identity{}, fmt.Errorf("empty owner: %w", ErrSyntax)
	}
	return rangelock.LocalIdentity(xxh3.HashString(name), 0), nil
}

func parseSize(s string) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if neg {
		n = -n
	}
	return n, nil
}

// ParseRegion parses START:LEN.
func ParseRegion(s string) (rangelock.Region, error) {
	start, length, ok := strings.Cut(s, ":")
	if !ok {
		return rangelock.Region{}, fmt.Errorf("range %q is not START:LEN: %w", s, ErrSyntax)
	}
	var r rangelock.Region
	if rest, ok := strings.CutPrefix(start, "end"); ok {
		r.Whence = rangelock.SeekEnd
		start = rest
		if start == "" {
			start = "0"
		}
	}
	n, err := parseSize(start)
	if err != nil {
		return rangelock.Region{}, fmt.Errorf("range %q: %v: %w", s, err, ErrSyntax)
	}
	r.Start = n
	if length != "" && length != "eof" {
		if r.Len, err = parseSize(length); err != nil {
			return rangelock.Region{}, fmt.Errorf("range %q: %v: %w", s, err, ErrSyntax)
		}
	}
	return r, nil
}

func parseMode(s string) (rangelock.WaitMode, error) {
	switch s {
	case "wait":
		return rangelock.Wait, nil
	case "nowait":
		return rangelock.NoWait, nil
	case "async":
		return rangelock.Async, nil
	}
	return 0, fmt.Errorf("wait mode %q: %w", s, ErrSyntax)
}

// ParseLine parses one line.  It returns false for blank and comment lines.
func ParseLine(lineno int, line string) (Op, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Op{}, false, nil
	}
	words, err := shellwords.Parse(line)
	if err != nil {
		return Op{}, false, fmt.Errorf("line %d: %v: %w", lineno, err, ErrSyntax)
	}
	op := Op{Line: lineno, Mode: rangelock.Wait}
	if i := slices.Index(words, "=>"); i >= 0 {
		if i != len(words)-2 {
			return Op{}, false, fmt.Errorf("line %d: => must be followed by one outcome: %w", lineno, ErrSyntax)
		}
		op.Expect = words[i+1]
		words = words[:i]
	}
	if len(words) == 0 {
		return Op{}, false, fmt.Errorf("line %d: missing operation: %w", lineno, ErrSyntax)
	}
	i := slices.Index(names, words[0])
	if i < 0 {
		return Op{}, false, fmt.Errorf("line %d: unknown operation %q: %w", lineno, words[0], ErrSyntax)
	}
	kind := Kind(i)
	op.Kind = kind
	args := words[1:]

	want := map[Kind][2]int{
		Lock:     {4, 5},
		Unlock:   {3, 3},
		Test:     {4, 4},
		Cancel:   {2, 2},
		Purge:    {1, 1},
		SysClear: {1, 1},
		Show:     {1, 1},
		Join:     {0, 0},
	}[kind]
	if len(args) < want[0] || len(args) > want[1] {
		return Op{}, false, fmt.Errorf("line %d: %s takes %d to %d arguments, got %d: %w", lineno, kind, want[0], want[1], len(args), ErrSyntax)
	}

	switch kind {
	case Lock, Unlock, Test, Cancel:
		op.Owner, op.File = args[0], args[1]
		if _, err := Identity(op.Owner); err != nil {
			return Op{}, false, fmt.Errorf("line %d: %w", lineno, err)
		}
	case Purge, Show:
		op.File = args[0]
	case SysClear:
		id, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return Op{}, false, fmt.Errorf("line %d: system id %q: %w", lineno, args[0], ErrSyntax)
		}
		op.SysID = int32(id)
	}
	if kind == Lock || kind == Unlock || kind == Test {
		if op.Region, err = ParseRegion(args[2]); err != nil {
			return Op{}, false, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if kind == Lock || kind == Test {
		if op.Type, err = rangelock.ParseLockType(args[3]); err != nil || op.Type == rangelock.Unlock {
			return Op{}, false, fmt.Errorf("line %d: lock type %q: %w", lineno, args[3], ErrSyntax)
		}
	}
	if kind == Lock && len(args) == 5 {
		if op.Mode, err = parseMode(args[4]); err != nil {
			return Op{}, false, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return op, true, nil
}

// Parse reads a whole script.
func Parse(r io.Reader) ([]Op, error) {
	var ops []Op
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		op, ok, err := ParseLine(lineno, scanner.Text())
		if err != nil {
			return nil, err
		}
		if ok {
			ops = append(ops, op)
		}
	}
	return ops, scanner.Err()
}
