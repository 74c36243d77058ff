//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollNotifier is the Linux notifier backend: an epoll instance plus an
// eventfd used as the self-pipe. Ported from the pack's FastPoller
// (poller_linux.go) and eventfd wakeup (wakeup_linux.go), adapted for
// edge-triggered registration and a fixed self-pipe member rather than a
// per-fd callback table — event dispatch here only needs to report (fd,
// mask) pairs; the reactor's own FdState table does the rest.
type epollNotifier struct {
	epfd     int
	wfd      int // eventfd, used both to read and write wakeups
	eventBuf [256]unix.EpollEvent
}

func newPlatformNotifier() notifier { return &epollNotifier{epfd: -1, wfd: -1} }

func (n *epollNotifier) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	n.epfd = epfd

	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return err
	}
	n.wfd = wfd

	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, n.wfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(n.wfd),
	}); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return err
	}
	return nil
}

func (n *epollNotifier) closeNotifier() error {
	if n.wfd >= 0 {
		unix.Close(n.wfd)
	}
	if n.epfd >= 0 {
		return unix.Close(n.epfd)
	}
	return nil
}

func eventsToEpoll(mask Event) uint32 {
	var e uint32 = unix.EPOLLET
	if mask&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (n *epollNotifier) add(fd int, mask Event) error {
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (n *epollNotifier) modify(fd int, mask Event) error {
	if mask == 0 {
		return n.del(fd)
	}
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (n *epollNotifier) del(fd int) error {
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (n *epollNotifier) wait(timeout time.Duration, out []readyEvent) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	count, err := unix.EpollWait(n.epfd, n.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	k := 0
	for i := 0; i < count && k < len(out); i++ {
		ev := n.eventBuf[i]
		var mask Event
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask = EventRead | EventWrite
		} else {
			if ev.Events&unix.EPOLLIN != 0 {
				mask |= EventRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mask |= EventWrite
			}
		}
		if mask == 0 {
			continue
		}
		out[k] = readyEvent{fd: int(ev.Fd), mask: mask}
		k++
	}
	return k, nil
}

func (n *epollNotifier) wakeFD() int { return n.wfd }

func (n *epollNotifier) tickleWake() error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(n.wfd, buf[:])
	return err
}

// drainWake clears the eventfd counter so the next wait() call blocks
// again instead of immediately returning.
func (n *epollNotifier) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(n.wfd, buf[:]); err != nil {
			return
		}
	}
}
