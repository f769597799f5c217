// Command wasabi boots the kernel on the host and runs an init task that
// fetches a page over HTTP through the kernel network stack.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/kmain"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/sched"
	"github.com/shiiinji/wasabi/user/rt"
)

var (
	configFlag  = flag.String("config", "", "path to a JSON boot configuration")
	consoleFlag = flag.String("console", "", "override the console: stdout, tty or a device path")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFlag, *consoleFlag)
	if err != nil {
		log.Fatalf("unable to load configuration: %v", err)
	}

	con, err := openConsole(cfg.Console)
	if err != nil {
		log.Fatalf("unable to open console %q: %v", cfg.Console, err)
	}
	kfmt.SetOutputSink(con.out)
	con.watchKeys(sched.Shutdown)

	kerr := kmain.Kmain(cfg, fetch)
	con.Close()
	if kerr != nil {
		fmt.Fprintf(os.Stderr, "kernel panic: %v\n", kerr)
		os.Exit(1)
	}
}

// loadConfig returns the configuration stored at path, or the defaults if
// path is empty. A non-empty console overrides the configured one.
func loadConfig(path, console string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err *kernel.Error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if console != "" {
		cfg.Console = console
	}
	return cfg, nil
}

// fetch is the init task. It issues the configured HTTP request and copies
// the response to the console.
func fetch(k *kmain.Kernel) {
	if err := k.WaitNetwork(); err != nil {
		rt.Printf("init: network unavailable: %s\n", err.Message)
		return
	}

	req := k.Config.Init
	target, perr := net.ParseIPv4(req.Target)
	if perr != nil {
		rt.Printf("init: %s\n", perr.Message)
		return
	}

	conn, err := rt.DialTCP(target, req.Port)
	if err != nil {
		rt.Printf("init: connect %s:%d: %v\n", target, req.Port, err)
		return
	}
	defer conn.Close()

	if _, err = fmt.Fprintf(conn, "GET %s HTTP/1.0\r\nHost: %s\r\n\r\n", req.Path, req.Host); err != nil {
		rt.Printf("init: send request: %v\n", err)
		return
	}

	n, err := io.Copy(consoleWriter{}, conn)
	if err != nil {
		rt.Printf("\ninit: read response: %v\n", err)
		return
	}
	rt.Printf("\ninit: received %d bytes from %s:%d\n", n, target, req.Port)
}

// consoleWriter writes to the console through the write system call.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	return rt.Write(p)
}
