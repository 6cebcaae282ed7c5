// Command serialmon attaches the operator's terminal to the serial port of a
// kestrel instance running under an emulator (e.g. the pty exposed by
// `qemu -serial pty`, or a socket redirected to a character device).
//
// The local terminal is switched to raw mode so that control characters
// travel to the guest unmangled; the kernel's ANSI-coloured log output is
// rendered untouched. Press ctrl-] to detach.
package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// detachKey is the byte that terminates the session (ctrl-]).
const detachKey = 0x1d

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <serial-device>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "serialmon: %v\n", err)
		os.Exit(1)
	}
}

func run(devicePath string) error {
	dev, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		// Without a terminal on stdin just stream the guest output;
		// useful when piping boot logs into a file.
		_, err = io.Copy(os.Stdout, dev)
		return err
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return err
	}
	defer term.Restore(stdinFd, oldState)

	fmt.Printf("attached to %s (ctrl-] to detach)\r\n", devicePath)

	errCh := make(chan error, 2)

	go func() {
		_, copyErr := io.Copy(os.Stdout, dev)
		errCh <- copyErr
	}()

	go func() {
		buf := make([]byte, 1)
		for {
			n, readErr := os.Stdin.Read(buf)
			if readErr != nil {
				errCh <- readErr
				return
			}
			if n == 1 && buf[0] == detachKey {
				errCh <- nil
				return
			}
			if _, writeErr := dev.Write(buf[:n]); writeErr != nil {
				errCh <- writeErr
				return
			}
		}
	}()

	return <-errCh
}
