// Package command parses raw scan commands into validated tool invocations.
// Commands are tokenized on whitespace and never passed through a shell — the
// resulting argument vector goes to the container runtime verbatim, so flag
// and target content cannot be interpreted by anything.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oryxsec/scanengine/internal/tools"
)

// ErrEmptyCommand is returned when a command contains no tokens.
var ErrEmptyCommand = errors.New("empty command")

// Invocation is a validated, ready-to-launch scan command.
type Invocation struct {
	Tool       tools.Tool
	Definition tools.Definition
	// Args is the full argument vector for the container: the registry's base
	// args followed by the caller's literal tokens.
	Args []string
	// Target is the last caller-supplied token, kept for logging and events.
	// The interpreter attaches no meaning to it beyond that.
	Target string
}

// Parse tokenizes raw, resolves token[0] against the tool registry, and
// appends the remaining tokens after the registry's base args. It fails
// before any container is touched: empty input and unknown tools are hard
// precondition errors, never defaulted.
func Parse(raw string) (*Invocation, error) {
	fieldTokens := strings.Fields(raw)
	if len(fieldTokens) == 0 {
		return nil, ErrEmptyCommand
	}

	def, err := tools.Resolve(fieldTokens[0])
	if err != nil {
		return nil, fmt.Errorf("parsing command: %w", err)
	}

	rest := fieldTokens[1:]
	args := make([]string, 0, len(def.BaseArgs)+len(rest))
	args = append(args, def.BaseArgs...)
	args = append(args, rest...)

	inv := &Invocation{
		Tool:       def.Tool,
		Definition: def,
		Args:       args,
	}
	if len(rest) > 0 {
		inv.Target = rest[len(rest)-1]
	}
	return inv, nil
}
