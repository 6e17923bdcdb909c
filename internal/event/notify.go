package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Codes carried over the self-pipe, one byte per event.
const (
	CodeAlarm     byte = 'a'
	CodeTerminate byte = 't'
)

// Notifier is the self-pipe: signal handlers and timers write single bytes
// into the write end, and the reactor reads them out of the epoll loop. Both
// ends are non-blocking so a full pipe never stalls a sender.
type Notifier struct {
	r, w int
}

// NewNotifier creates the pipe pair.
func NewNotifier() (*Notifier, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating self-pipe: %w", err)
	}
	return &Notifier{r: fds[0], w: fds[1]}, nil
}

// ReadFD returns the read end, registered level-triggered with the poller.
func (n *Notifier) ReadFD() int {
	return n.r
}

// Notify writes one code byte. A full pipe is not an error: the reactor will
// drain pending bytes before the next wait, and a dropped duplicate alarm or
// terminate byte carries no extra information.
func (n *Notifier) Notify(code byte) {
	_, _ = unix.Write(n.w, []byte{code})
}

// Drain reads every pending byte from the pipe and returns the codes.
func (n *Notifier) Drain() []byte {
	var codes []byte
	buf := make([]byte, 64)
	for {
		nr, err := unix.Read(n.r, buf)
		if nr > 0 {
			codes = append(codes, buf[:nr]...)
		}
		if err != nil || nr < len(buf) {
			return codes
		}
	}
}

// Close closes both pipe ends.
func (n *Notifier) Close() {
	unix.Close(n.r)
	unix.Close(n.w)
}
