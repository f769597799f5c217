package syscall

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net/arp"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
	"github.com/shiiinji/wasabi/kernel/net/socket"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/net/udp"
)

// Errno is an error number returned by a syscall. Syscalls report failures
// by returning the negated error number in RAX.
type Errno uint16

// Error numbers. The values follow the Linux ABI.
const (
	EIO          Errno = 5
	EBADF        Errno = 9
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EFAULT       Errno = 14
	EINVAL       Errno = 22
	EMFILE       Errno = 24
	EPIPE        Errno = 32
	ENOSYS       Errno = 38
	EOPNOTSUPP   Errno = 95
	EADDRINUSE   Errno = 98
	ECONNRESET   Errno = 104
	ENOBUFS      Errno = 105
	ENOTCONN     Errno = 107
	ECONNREFUSED Errno = 111
	EHOSTUNREACH Errno = 113
	ECANCELED    Errno = 125
)

var errnoNames = map[Errno]string{
	EIO:          "input/output error",
	EBADF:        "bad file descriptor",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "cannot allocate memory",
	EFAULT:       "bad address",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open files",
	EPIPE:        "broken pipe",
	ENOSYS:       "function not implemented",
	EOPNOTSUPP:   "operation not supported",
	EADDRINUSE:   "address already in use",
	ECONNRESET:   "connection reset by peer",
	ENOBUFS:      "no buffer space available",
	ENOTCONN:     "transport endpoint is not connected",
	ECONNREFUSED: "connection refused",
	EHOSTUNREACH: "no route to host",
	ECANCELED:    "operation canceled",
}

// Error implements the error interface for Errno.
func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return "unknown error"
}

var (
	errBadAddress = &kernel.Error{Module: "syscall", Message: "bad user address"}
	errNoSockets  = &kernel.Error{Module: "syscall", Message: "network is not available"}
	errTooLarge   = &kernel.Error{Module: "syscall", Message: "buffer exceeds the transfer limit"}
)

// errnos maps the kernel errors that can surface through a syscall to
// their error numbers.
var errnos = map[*kernel.Error]Errno{
	socket.ErrBadHandle:       EBADF,
	socket.ErrClosed:          ECANCELED,
	socket.ErrTooManySockets:  EMFILE,
	socket.ErrWrongKind:       EOPNOTSUPP,
	tcp.ErrConnRefused:        ECONNREFUSED,
	tcp.ErrConnReset:          ECONNRESET,
	tcp.ErrHostUnreachable:    EHOSTUNREACH,
	tcp.ErrWouldBlock:         EAGAIN,
	tcp.ErrNotConnected:       ENOTCONN,
	tcp.ErrClosing:            EPIPE,
	tcp.ErrPortInUse:          EADDRINUSE,
	tcp.ErrTooManyConns:       ENOBUFS,
	tcp.ErrBadConn:            EBADF,
	udp.ErrPortInUse:          EADDRINUSE,
	udp.ErrTooManyEndpoints:   ENOBUFS,
	udp.ErrBadEndpoint:        EBADF,
	arp.ErrPendingFull:        ENOBUFS,
	netdev.ErrTxRingFull:      ENOBUFS,
	netdev.ErrFrameTooLarge:   EINVAL,
	vmm.ErrOutOfMemory:        ENOMEM,
	vmm.ErrUnrecoverableFault: EFAULT,
	errBadAddress:             EFAULT,
	errTooLarge:               EINVAL,
}

// ErrnoFor returns the error number reported for err.
func ErrnoFor(err *kernel.Error) Errno {
	if errno, ok := errnos[err]; ok {
		return errno
	}
	return EIO
}
