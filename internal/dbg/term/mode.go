//go:build darwin || freebsd || linux || netbsd || openbsd

package term

import (
	"syscall"
	"unsafe"

	"github.com/go-faster/errors"
)

// State is the terminal mode to restore when the console exits.
type State struct {
	fd   int
	orig syscall.Termios
}

func IsTerminal(fd int) bool {
	_, err := termios(fd)
	return err == nil
}

// TerminalMode puts fd in raw input mode: no echo, no line buffering and
// no signals on ^C, which the line editor handles itself. Output
// processing is left on.
func TerminalMode(fd int) (*State, error) {
	orig, err := termios(fd)
	if err != nil {
		return nil, errors.Wrap(err, "get terminal mode")
	}
	raw := orig
	raw.Lflag &^= syscall.ECHO | syscall.ECHONL | syscall.ICANON | syscall.ISIG | syscall.IEXTEN
	raw.Iflag &^= syscall.IXON
	raw.Cflag |= syscall.CS8
	raw.Cc[syscall.VMIN] = 1
	raw.Cc[syscall.VTIME] = 0
	if err := setTermios(fd, &raw); err != nil {
		return nil, errors.Wrap(err, "set terminal mode")
	}
	return &State{fd: fd, orig: orig}, nil
}

func (s *State) Restore() error {
	return setTermios(s.fd, &s.orig)
}

func termios(fd int) (syscall.Termios, error) {
	var t syscall.Termios
	err := ioctl(fd, ioctlGetTermios, unsafe.Pointer(&t))
	return t, err
}

func setTermios(fd int, t *syscall.Termios) error {
	return ioctl(fd, ioctlSetTermios, unsafe.Pointer(t))
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case syscall.EINTR:
			continue
		}
		return errno
	}
}
