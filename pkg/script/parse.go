package script

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is returned for a line which starts with a recognized keyword but
// doesn't follow that keyword's grammar.
type ParseError struct {
	Keyword string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Keyword, e.Reason)
}

// bootPartitionName is used for mmc write.boot, which doesn't name its target.
const bootPartitionName = "sboot"

// grammar of all recognized commands, matched on the first word of a line.
var grammar = []struct {
	keyword string
	parse   func(line string, a *args) (Command, error)
}{
	{"setenv", parseSetEnv},
	{"filepartload", parseFilePartLoad},
	{"store_secure_info", parseStoreSecureInfo},
	{"store_nuttx_config", parseStoreNuttxConfig},
	{"sparse_write", parseSparseWrite},
	{"mmc", parseMmc},
}

// Keyword returns the recognized keyword that line starts with, or an empty
// string. The keyword must be a whole word, so that bootloader commands such as
// mmcinfo are not mistaken for mmc. Matching is case sensitive.
func Keyword(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	for _, g := range grammar {
		if fields[0] == g.keyword {
			return g.keyword
		}
	}
	return ""
}

// Parse a single script line. Lines not starting with a recognized keyword
// return a nil Command and a nil error. Variable references are not expanded
// here, see Env.Expand.
func Parse(line string) (Command, error) {
	kw := Keyword(line)
	if kw == "" {
		return nil, nil
	}
	fields := strings.Fields(line)
	a := newArgs(kw, fields[1:])
	for _, g := range grammar {
		if g.keyword == kw {
			return g.parse(line, a)
		}
	}
	panic("unreachable")
}

// parseSetEnv handles 'setenv key [value...]'. The value is the rest of the line
// and may contain spaces.
func parseSetEnv(line string, _ *args) (Command, error) {
	rest := strings.TrimSpace(line)
	// Drop the keyword token.
	if i := strings.IndexAny(rest, " \t"); i != -1 {
		rest = strings.TrimSpace(rest[i:])
	} else {
		rest = ""
	}
	if rest == "" {
		return nil, &ParseError{Keyword: "setenv", Reason: "missing key"}
	}

	key, value := rest, ""
	if i := strings.IndexAny(rest, " \t"); i != -1 {
		key = rest[:i]
		value = strings.TrimSpace(rest[i:])
	}
	if value == "" {
		return SetEnv{Key: key, Unset: true}, nil
	}
	return SetEnv{Key: key, Value: value}, nil
}

// filepartload <addr> <file> <offset> <size>
func parseFilePartLoad(_ string, a *args) (Command, error) {
	offset, err := a.hex("offset", 2)
	if err != nil {
		return nil, err
	}
	size, err := a.hex("size", 3)
	if err != nil {
		return nil, err
	}
	addr, _ := a.get("addr", 0)
	file, _ := a.get("file", 1)
	return FilePartLoad{
		Addr:   addr,
		File:   file,
		Offset: offset,
		Size:   size,
	}, nil
}

// store_secure_info <name> <addr>
func parseStoreSecureInfo(_ string, a *args) (Command, error) {
	name, err := a.partition(0)
	if err != nil {
		return nil, err
	}
	return StoreSecureInfo{Name: name}, nil
}

// store_nuttx_config <name> <addr>
func parseStoreNuttxConfig(_ string, a *args) (Command, error) {
	name, err := a.partition(0)
	if err != nil {
		return nil, err
	}
	return StoreNuttxConfig{Name: name}, nil
}

// sparse_write <dev> <addr> <name> <size>
func parseSparseWrite(_ string, a *args) (Command, error) {
	name, err := a.partition(2)
	if err != nil {
		return nil, err
	}
	dev, _ := a.get("dev", 0)
	return SparseWrite{Device: dev, Name: name}, nil
}

// mmc <action> ...
//
//	mmc write.boot <index> <addr> <offset> <size>
//	mmc write.p[.continue] <addr> <name> <size> [empty_skip]
//	mmc unlzo[.continue] <addr> <size> <name> [empty_skip]
func parseMmc(_ string, a *args) (Command, error) {
	action, ok := a.get("action", 0)
	if !ok {
		return nil, a.errorf("missing action")
	}
	m := Mmc{Action: MmcAction(action)}

	var err error
	switch m.Action {
	case MmcWriteBoot:
		m.Name = bootPartitionName
		if v, ok := a.named["name"]; ok {
			if m.Name, err = checkPartition(a.keyword, v); err != nil {
				return nil, err
			}
		}
		v, ok := a.get("index", 1)
		if !ok {
			return nil, a.errorf("missing boot partition index")
		}
		idx, perr := strconv.ParseUint(v, 0, 16)
		if perr != nil {
			return nil, a.errorf("invalid boot partition index %q", v)
		}
		m.BootIndex = int(idx)
	case MmcWriteP, MmcWritePContinue:
		m.Name, err = a.partition(2)
	case MmcUnlzo, MmcUnlzoContinue:
		m.Name, err = a.partition(3)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// args of a single command, split into positional and key=value arguments.
type args struct {
	keyword string
	pos     []string
	named   map[string]string
}

func newArgs(keyword string, fields []string) *args {
	a := &args{
		keyword: keyword,
		named:   make(map[string]string),
	}
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok && isIdent(k) {
			a.named[k] = v
			continue
		}
		a.pos = append(a.pos, f)
	}
	return a
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

func (a *args) errorf(format string, v ...any) error {
	return &ParseError{Keyword: a.keyword, Reason: fmt.Sprintf(format, v...)}
}

// get returns the named argument if present, otherwise the positional argument
// at idx.
func (a *args) get(name string, idx int) (string, bool) {
	if v, ok := a.named[name]; ok {
		return v, true
	}
	if idx >= 0 && idx < len(a.pos) {
		return a.pos[idx], true
	}
	return "", false
}

func (a *args) hex(name string, idx int) (uint64, error) {
	v, ok := a.get(name, idx)
	if !ok {
		return 0, a.errorf("missing %s", name)
	}
	n, err := parseHex(v)
	if err != nil {
		return 0, a.errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func (a *args) partition(idx int) (string, error) {
	v, ok := a.get("name", idx)
	if !ok {
		return "", a.errorf("missing partition name")
	}
	return checkPartition(a.keyword, v)
}

// checkPartition rejects names which would escape the output directory.
func checkPartition(keyword, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", &ParseError{Keyword: keyword, Reason: fmt.Sprintf("invalid partition name %q", name)}
	}
	return name, nil
}

// parseHex parses a hexadecimal number with an optional 0x prefix.
func parseHex(s string) (uint64, error) {
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s = s[2:]
	}
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 16, 64)
}
