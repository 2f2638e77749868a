package script

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Env is the variable store mutated by setenv. The zero value is not usable,
// use NewEnv.
type Env struct {
	vars map[string]string
}

func NewEnv() *Env {
	return &Env{
		vars: make(map[string]string),
	}
}

func (e *Env) Set(key, value string) {
	e.vars[key] = value
}

// Unset removes key. Removing an unset key is a no-op.
func (e *Env) Unset(key string) {
	delete(e.vars, key)
}

func (e *Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Keys returns all set keys, sorted.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Expand replaces every $(key) and ${key} reference in line with the current
// value of key. References to unset keys are left in place verbatim and their
// names are returned in unresolved, in order of appearance.
func (e *Env) Expand(line string) (expanded string, unresolved []string) {
	var sb strings.Builder
	rest := line
	for {
		i := strings.IndexByte(rest, '$')
		if i == -1 || i+1 >= len(rest) {
			sb.WriteString(rest)
			break
		}
		var closing byte
		switch rest[i+1] {
		case '(':
			closing = ')'
		case '{':
			closing = '}'
		default:
			sb.WriteString(rest[:i+1])
			rest = rest[i+1:]
			continue
		}
		j := strings.IndexByte(rest[i+2:], closing)
		if j == -1 {
			sb.WriteString(rest)
			break
		}
		key := rest[i+2 : i+2+j]
		ref := rest[i : i+3+j]
		sb.WriteString(rest[:i])
		if v, ok := e.vars[key]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(ref)
			unresolved = append(unresolved, key)
		}
		rest = rest[i+3+j:]
	}
	return sb.String(), unresolved
}
