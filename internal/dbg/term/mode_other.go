//go:build !(darwin || freebsd || linux || netbsd || openbsd)

package term

import "github.com/go-faster/errors"

type State struct{}

func IsTerminal(fd int) bool { return false }

func TerminalMode(fd int) (*State, error) {
	return nil, errors.New("the console needs a unix terminal")
}

func (s *State) Restore() error { return nil }
