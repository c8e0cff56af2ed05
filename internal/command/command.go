// Package command parses the logical instructions clients submit to the
// bridge. A command is addressed to a named agent in the push network and
// has the form
//
//	destination instruction [arguments...]
//
// where destination is a dot-separated path of agent names, for example
// "portal.provider.cluster1", and the remainder is the instruction handed to
// that agent verbatim. Tokens are split with shell quoting rules so an
// argument may contain spaces when quoted.
package command

import (
	"regexp"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"portal-bridge/internal/errors"
)

var agentName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Command is a parsed client instruction.
type Command struct {
	Destination []string
	Instruction string
	Arguments   []string
}

// Parse tokenises and validates s. Errors wrap errors.ErrInvalidRequest.
func Parse(s string) (Command, error) {
	words, err := shellquote.Split(s)
	if err != nil {
		return Command{}, errors.NewInvalidRequestError("cannot parse command: %v", err)
	}
	if len(words) == 0 {
		return Command{}, errors.NewInvalidRequestError("command is empty")
	}
	if len(words) < 2 {
		return Command{}, errors.NewInvalidRequestError("command %q has no instruction", s)
	}

	destination := strings.Split(words[0], ".")
	for _, name := range destination {
		if !agentName.MatchString(name) {
			return Command{}, errors.NewInvalidRequestError("invalid destination %q", words[0])
		}
	}

	return Command{
		Destination: destination,
		Instruction: words[1],
		Arguments:   words[2:],
	}, nil
}

// Agent returns the final hop of the destination, the agent that executes
// the instruction.
func (c Command) Agent() string {
	if len(c.Destination) == 0 {
		return ""
	}
	return c.Destination[len(c.Destination)-1]
}

// String renders the command in canonical form, quoting arguments only
// where needed.
func (c Command) String() string {
	parts := append([]string{strings.Join(c.Destination, "."), c.Instruction}, c.Arguments...)
	return shellquote.Join(parts...)
}
