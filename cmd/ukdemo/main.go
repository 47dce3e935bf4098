// Command ukdemo drives the end-to-end scenarios this module's
// components are built to support, one urfave/cli subcommand per
// scenario, the same "one binary, many ad hoc example subcommands"
// shape curlwget-CortexTheseus's own cmd/ tools use.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/urfave/cli.v1"

	"github.com/gouk/unicore/core"
	"github.com/gouk/unicore/futex"
	"github.com/gouk/unicore/inittab"
	"github.com/gouk/unicore/thread"
)

func main() {
	app := cli.NewApp()
	app.Name = "ukdemo"
	app.Usage = "exercise the cooperative-thread core end to end"
	app.Commands = []cli.Command{
		plainThreadCommand,
		oneArgEntryCommand,
		futexMatchCommand,
		futexMismatchCommand,
		wakeZeroCommand,
		initFailureCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("ukdemo failed", "err", err)
		os.Exit(1)
	}
}

func newCore() *core.Core {
	c := core.New(core.DefaultConfig())
	image := make([]byte, 64)
	c.SetTLSTemplate(image)
	if err := c.Start(); err != nil {
		panic(err)
	}
	return c
}

var plainThreadCommand = cli.Command{
	Name:  "plain-thread",
	Usage: "spawn a single thread with a zero-argument entry function and run it to completion",
	Action: func(ctx *cli.Context) error {
		c := newCore()
		defer c.Stop()

		s := c.Scheduler()
		var ran bool
		fn := func() { ran = true }

		th, err := thread.CreateFn0(c.Allocator(), fn, c.Allocator(), 0, nil, false, "plain", nil, nil)
		if err != nil {
			return err
		}
		s.Spawn(th, fn)
		s.RunUntilIdle()

		fmt.Printf("plain-thread: ran=%v name=%s\n", ran, th.Name())
		return nil
	},
}

var oneArgEntryCommand = cli.Command{
	Name:  "one-arg-entry",
	Usage: "spawn a thread whose entry function receives one argument",
	Action: func(ctx *cli.Context) error {
		c := newCore()
		defer c.Stop()

		s := c.Scheduler()
		var seen uintptr
		fn := func(a uintptr) { seen = a }

		th, err := thread.CreateFn1(c.Allocator(), fn, 0xBEEF, c.Allocator(), 0, nil, false, "one-arg", nil, nil)
		if err != nil {
			return err
		}
		s.Spawn(th, func() { fn(0xBEEF) })
		s.RunUntilIdle()

		fmt.Printf("one-arg-entry: seen=%#x\n", seen)
		return nil
	},
}

var futexMatchCommand = cli.Command{
	Name:  "futex-wait-wake",
	Usage: "pair a WAIT against a matching value with a concurrent WAKE",
	Action: func(ctx *cli.Context) error {
		c := newCore()
		defer c.Stop()
		s := c.Scheduler()

		word := new(uint32)
		addr := uintptr(unsafe.Pointer(word))

		waitBody := func() {
			if err := futex.Wait(addr, 0, nil); err != nil {
				fmt.Printf("futex-wait-wake: wait error: %v\n", err)
				return
			}
			fmt.Println("futex-wait-wake: woken")
		}

		waiter, err := thread.CreateFn0(c.Allocator(), waitBody, c.Allocator(), 0, nil, false, "waiter", nil, nil)
		if err != nil {
			return err
		}
		s.Spawn(waiter, waitBody)
		s.RunUntilIdle()

		n := futex.Wake(addr, 1)
		s.RunUntilIdle()
		fmt.Printf("futex-wait-wake: woke %d waiter(s)\n", n)
		return nil
	},
}

var futexMismatchCommand = cli.Command{
	Name:  "futex-mismatch",
	Usage: "WAIT against a value that no longer matches returns EAGAIN immediately",
	Action: func(ctx *cli.Context) error {
		word := new(uint32)
		*word = 1
		addr := uintptr(unsafe.Pointer(word))

		err := futex.Wait(addr, 0, nil)
		fmt.Printf("futex-mismatch: err=%v\n", err)
		return nil
	},
}

var wakeZeroCommand = cli.Command{
	Name:  "wake-zero",
	Usage: "WAKE with val=0 wakes nobody by definition",
	Action: func(ctx *cli.Context) error {
		word := new(uint32)
		addr := uintptr(unsafe.Pointer(word))
		n := futex.Wake(addr, 0)
		fmt.Printf("wake-zero: woke %d\n", n)
		return nil
	},
}

var initFailureCommand = cli.Command{
	Name:  "init-failure",
	Usage: "an InitTab entry failing makes thread creation return its error after freeing what it allocated",
	Action: func(ctx *cli.Context) error {
		forced := fmt.Errorf("ukdemo: forced init failure")
		inittab.Register(inittab.Entry{
			Init: func(child, parent inittab.Child) error { return forced },
			Term: func(child inittab.Child) {},
		})

		c := newCore()
		defer c.Stop()

		_, err := thread.CreateFn0(c.Allocator(), func() {}, c.Allocator(), 0, nil, false, "will-fail", nil, nil)
		fmt.Printf("init-failure: create returned err=%v\n", err)
		return nil
	},
}
