package replbond

import (
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// ExportedFunc is a host-side callable the peer can invoke through a
// CALL frame while a host request is outstanding.
type ExportedFunc func(args ...interface{}) (interface{}, error)

// exportNameRE is the peer identifier grammar: alphanumerics and
// underscore, not starting with a digit.
var exportNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// anonymousNameRE matches the synthetic names the Go runtime gives
// closures (pkg.Caller.func1): not a usable identifier.
var anonymousNameRE = regexp.MustCompile(`^func\d+$`)

// exportsRegistry maps export names to handlers. Entries live until
// session close; names are unique and never the peer's sentinel.
type exportsRegistry struct {
	entries  map[string]ExportedFunc
	sentinel string
}

func newExportsRegistry(sentinel string) *exportsRegistry {
	return &exportsRegistry{
		entries:  make(map[string]ExportedFunc),
		sentinel: sentinel,
	}
}

// validate checks a name against the identifier grammar and the
// registry rules without touching the wire.
func (r *exportsRegistry) validate(name string) error {
	if name == "" {
		return &ExportError{Reason: "empty name"}
	}
	if !exportNameRE.MatchString(name) {
		return &ExportError{Name: name, Reason: "not a valid peer identifier"}
	}
	if name == r.sentinel {
		return &ExportError{Name: name, Reason: "name is the reserved sentinel"}
	}
	if strings.HasPrefix(name, r.sentinel) {
		return &ExportError{Name: name, Reason: "name collides with the reserved namespace"}
	}
	if _, exists := r.entries[name]; exists {
		return &ExportError{Name: name, Reason: "name already exported"}
	}
	return nil
}

// add installs a handler. The caller must have validated first; a
// colliding add fails without replacing the prior entry.
func (r *exportsRegistry) add(name string, fn ExportedFunc) error {
	if err := r.validate(name); err != nil {
		return err
	}
	r.entries[name] = fn
	return nil
}

// lookup resolves an exported name during a call-in.
func (r *exportsRegistry) lookup(name string) (ExportedFunc, bool) {
	fn, ok := r.entries[name]
	return fn, ok
}

// introspectName derives an export name from the handler itself, the
// way a peer would introspect a function's identifier. Anonymous
// functions have no usable identifier and fail; a method value takes
// the method's name.
func introspectName(fn ExportedFunc) (string, error) {
	if fn == nil {
		return "", &ExportError{Reason: "nil handler"}
	}
	pc := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return "", &ExportError{Reason: "handler has no introspectable name"}
	}
	full := rf.Name()
	name := full[strings.LastIndexByte(full, '.')+1:]
	name = strings.TrimSuffix(name, "-fm")
	if anonymousNameRE.MatchString(name) || !exportNameRE.MatchString(name) {
		return "", &ExportError{Name: name, Reason: "handler has no introspectable name; pass one explicitly"}
	}
	return name, nil
}
