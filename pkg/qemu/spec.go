package qemu

import "github.com/kballard/go-shellquote"

// CommandSpec is the ordered hypervisor invocation produced by Plan. Tokens
// that belong together (a flag and its attribute string) are always
// adjacent. The spec is never mutated after construction: every build step
// returns a new value.
type CommandSpec struct {
	Binary string
	Args   []string
}

// with returns a copy of the spec with tokens appended.
func (s CommandSpec) with(tokens ...string) CommandSpec {
	args := make([]string, 0, len(s.Args)+len(tokens))
	args = append(args, s.Args...)
	args = append(args, tokens...)
	s.Args = args
	return s
}

// String renders the invocation as a shell-quoted command line for
// diagnostics and dry runs.
func (s CommandSpec) String() string {
	return shellquote.Join(append([]string{s.Binary}, s.Args...)...)
}

// HasFlag reports whether the given flag token is present.
func (s CommandSpec) HasFlag(flag string) bool {
	for _, a := range s.Args {
		if a == flag {
			return true
		}
	}
	return false
}

// FlagValue returns the value token following the first occurrence of flag.
func (s CommandSpec) FlagValue(flag string) (string, bool) {
	for i, a := range s.Args {
		if a == flag && i+1 < len(s.Args) {
			return s.Args[i+1], true
		}
	}
	return "", false
}

// FlagValues returns the value tokens of every occurrence of flag, in order.
func (s CommandSpec) FlagValues(flag string) []string {
	var values []string
	for i, a := range s.Args {
		if a == flag && i+1 < len(s.Args) {
			values = append(values, s.Args[i+1])
		}
	}
	return values
}
