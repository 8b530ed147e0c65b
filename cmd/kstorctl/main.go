// Command kstorctl is the user-space control CLI of spec.md section 6,
// mapping mount/umount/start-server/stop-server/test/task-stack subcommands
// onto a single in-process control.Service, the same subcommand set
// original_source/ctl/main.cpp dispatches through an ioctl Ctl handle.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kstorage/kstor/config"
	"github.com/kstorage/kstor/control"
	"github.com/kstorage/kstor/kerr"
)

func main() {
	logger := log.NewLogfmtLogger(os.Stdout)
	registerer := prometheus.NewRegistry()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: kstorctl <mount|umount|start-server|stop-server|test|task-stack> ...")
		os.Exit(1)
	}

	svc := control.New(logger, registerer)
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "mount":
		err = runMount(svc, args)
	case "umount":
		err = runUmount(svc, args)
	case "start-server":
		err = runStartServer(svc, args)
	case "stop-server":
		err = runStopServer(svc, args)
	case "test":
		err = runTest(args)
	case "task-stack":
		err = runTaskStack(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown cmd %s\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "kstorctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runMount(svc *control.Service, args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	format := fs.Bool("f", false, "format the device before loading it")
	blockSize := fs.Uint64("block-size", config.Default().BlockSize, "block size in bytes, only used with -f")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: kstorctl mount <device> [-f] [-block-size N]")
	}
	device := fs.Arg(0)
	// flag stops at the first positional argument; parse the rest again so
	// flags given after <device> are honored too.
	fs.Parse(fs.Args()[1:])
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: kstorctl mount <device> [-f] [-block-size N]")
	}

	id, err := svc.Mount(device, *format, *blockSize)
	if err != nil {
		return err
	}
	fmt.Println(id.String())
	return nil
}

func runUmount(svc *control.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kstorctl umount <device>")
	}
	return svc.UnmountByName(args[0])
}

// runStartServer mounts the device given with -device, starts the TCP
// listener, and blocks until interrupted. A kernel ControlDevice keeps
// running across separate ioctl calls from independent ctl invocations;
// this process-based CLI has no such persistent daemon, so mount and
// start-server have to happen in the same invocation to have a volume to
// serve (see DESIGN.md's "daemon-less CLI" decision).
func runStartServer(svc *control.Service, args []string) error {
	fs := flag.NewFlagSet("start-server", flag.ExitOnError)
	device := fs.String("device", "", "device to mount before serving, if any")
	format := fs.Bool("f", false, "format -device before loading it")
	blockSize := fs.Uint64("block-size", config.Default().BlockSize, "block size in bytes, only used with -f")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: kstorctl start-server <host> <port> [-device PATH] [-f]")
	}
	host := fs.Arg(0)
	portArg := fs.Arg(1)
	// Parse again so flags given after <host> <port> are honored too.
	fs.Parse(fs.Args()[2:])
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: kstorctl start-server <host> <port> [-device PATH] [-f]")
	}
	var port int
	if _, err := fmt.Sscanf(portArg, "%d", &port); err != nil {
		return fmt.Errorf("invalid port %q", portArg)
	}

	if *device != "" {
		if _, err := svc.Mount(*device, *format, *blockSize); err != nil {
			return err
		}
	}

	if err := svc.StartServer(host, port); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	return svc.StopServer()
}

func runStopServer(svc *control.Service, args []string) error {
	return svc.StopServer()
}

func runTest(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kstorctl test <id>")
	}
	return kerr.New(kerr.NotImplemented)
}

// task-stack has no kernel task to dump from user space; retained for CLI
// surface completeness.
func runTaskStack(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kstorctl task-stack <pid>")
	}
	return kerr.New(kerr.NotImplemented)
}
