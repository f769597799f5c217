package tap

import (
	"golang.org/x/sys/unix"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
)

// cloneDevice is the TUN/TAP multiplexer.
const cloneDevice = "/dev/net/tun"

func init() {
	openFn = openTap
	readFn = readTap
	writeFn = writeTap
	closeFn = func(fd int) { unix.Close(fd) }
}

func hostError(msg string, err error) *kernel.Error {
	return &kernel.Error{Module: "tap", Message: msg + ": " + err.Error()}
}

// openTap attaches to the named TAP interface. Frames are exchanged without
// the packet information header.
func openTap(name string) (int, *kernel.Error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, hostError("unable to open "+cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, hostError("bad interface name", err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, hostError("TUNSETIFF "+name, err)
	}

	return fd, nil
}

func readTap(fd int, buf []byte) (int, *kernel.Error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
	switch {
	case err == unix.EINTR || n == 0:
		return 0, nil
	case err != nil:
		return 0, errReadFailed
	}

	n, err = unix.Read(fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, errReadFailed
	}
	return n, nil
}

func writeTap(fd int, frame []byte) *kernel.Error {
	_, err := unix.Write(fd, frame)
	switch {
	case err == unix.EAGAIN:
		return netdev.ErrTxRingFull
	case err != nil:
		return hostError("write failed", err)
	}
	return nil
}
