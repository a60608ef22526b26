// Package prelude carries the per-language peer implementations
// injected into interpreter children at spawn, plus the descriptors
// the spawner needs to drive each interpreter to the handshake.
package prelude

import (
	_ "embed"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed python.py
var pythonSource string

// Language describes how to turn one interpreter into a protocol
// endpoint: how to launch it, what its native prompt looks like, how to
// wrap the prelude into a single source line, and how to hand control
// to the prelude's dispatch loop.
type Language struct {
	// Name is the canonical lookup key.
	Name string
	// Command and Args launch the interpreter in interactive mode.
	Command string
	Args    []string
	// Prompt matches the interpreter's native prompt at startup.
	Prompt *regexp.Regexp
	// Ready matches the READY marker after prelude injection: the
	// prelude's blank line followed by the prompt echo.
	Ready *regexp.Regexp
	// Source is the prelude text.
	Source string
	// ExecLine wraps the prelude source into one interpreter line.
	ExecLine func(source string) string
	// StartLine transfers control to the prelude's dispatch loop.
	StartLine func(transExcept bool, serializer string) string
	// StdoutTag and StderrTag are raw side-channel line markers for
	// peers that cannot frame their output. Empty when the prelude
	// frames output itself.
	StdoutTag string
	StderrTag string
}

func pythonDescriptor(name, command string) *Language {
	return &Language{
		Name:    name,
		Command: command,
		// -i forces the interactive prompt on pipes, -u unbuffers.
		Args:   []string{"-i", "-u"},
		Prompt: regexp.MustCompile(`>>> $`),
		Ready:  regexp.MustCompile(`\r?\n>>> $`),
		Source: pythonSource,
		ExecLine: func(source string) string {
			// The prelude's last act before handing back the prompt is
			// the READY blank line.
			wrapped := source + "\n__GOBOND_sendline()\n"
			b64 := base64.StdEncoding.EncodeToString([]byte(wrapped))
			return fmt.Sprintf(`exec(__import__("base64").b64decode("%s").decode("utf-8"))`, b64)
		},
		StartLine: func(transExcept bool, serializer string) string {
			py := "False"
			if transExcept {
				py = "True"
			}
			return fmt.Sprintf("__GOBOND_start(%s, %q)", py, serializer)
		},
	}
}

var languages = map[string]*Language{
	"python":  pythonDescriptor("python", "python"),
	"python3": pythonDescriptor("python3", "python3"),
}

// Lookup resolves a language descriptor by name, case-insensitively.
func Lookup(name string) (*Language, error) {
	if lang, ok := languages[strings.ToLower(name)]; ok {
		return lang, nil
	}
	return nil, fmt.Errorf("unknown peer language %q (known: %s)", name, strings.Join(Names(), ", "))
}

// Names lists the registered language names.
func Names() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
