package lock

import "strings"

// Lock namespaces with a fixed acquisition order. Lower numbers are taken first.
var priorities = map[string]int{
	"checkpoint": 10,
	"state":      20,
	"breaker":    30,
	"config":     40,
	"signals":    50,
	"tasks":      60,
}

// Namespace returns the part of name before the first ':'.
func Namespace(name string) string {
	ns, _, _ := strings.Cut(name, ":")
	return ns
}

// Priority returns the ordering number of name's namespace.
func Priority(name string) (int, bool) {
	p, ok := priorities[Namespace(name)]
	return p, ok
}

// conflictsWithHeld returns the first held lock that must be released before
// requested may be taken.
func conflictsWithHeld(requested string, held []string) (string, bool) {
	want, ok := Priority(requested)
	if !ok {
		return "", false
	}
	for _, h := range held {
		if h == requested {
			continue
		}
		if p, ok := Priority(h); ok && p > want {
			return h, true
		}
	}
	return "", false
}
