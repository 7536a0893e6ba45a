package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/client"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("no command given")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	c, err := config.New()
	if err != nil {
		return err
	}
	log := logging.NewWithWriter(c, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := client.New(c, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := cl.Close(); err != nil && returnError == nil {
			returnError = err
		}
	}()

	e := &env{
		client: cl,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		stdin:  os.Stdin,
	}
	if cmd.banner {
		displayAppname(c.GetAppName())
	}
	return cmd.run(ctx, e, args[1:])
}

type command struct {
	summary string
	banner  bool
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"login":    {summary: "sign in, choosing a tenant when needed", banner: true, run: login},
	"register": {summary: "create a tenant and its owner account", banner: true, run: register},
	"whoami":   {summary: "restore the stored session and print the user", run: whoami},
	"logout":   {summary: "end the stored session", run: logout},
	"status":   {summary: "summarise the stored credentials", run: status},
}

// env is what a command needs from the process.
type env struct {
	client *client.Client
	in     *bufio.Reader
	out    io.Writer
	stdin  *os.File
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sessionctl <command> [flags]")
	fmt.Fprintln(w)
	for _, name := range []string{"login", "register", "whoami", "logout", "status"} {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
