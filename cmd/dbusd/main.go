// Command dbusd runs the message bus broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"

	"github.com/danderson/dbusd/internal/bus"
	"github.com/danderson/dbusd/internal/daemon"
	"github.com/danderson/dbusd/internal/message"
)

// localInterface is the connection-local interface real DBus clients use
// only to signal their own broker connection (currently just
// Disconnected); no client is entitled to invoke a method on it, since
// it never has a destination other than the sender's own connection.
const localInterface = "org.freedesktop.DBus.Local"

var serveArgs struct {
	Socket      string        `flag:"socket,default=/run/dbusd/system_bus_socket,Unix socket path to listen on"`
	OOMWait     time.Duration `flag:"oom-wait,Retry interval after an out-of-memory dispatch failure"`
	AllowPolicy bool          `flag:"allow-all,Disable the security policy (allow every send)"`
	Debug       bool          `flag:"debug,Pretty-print every policy decision to stderr"`
}

func main() {
	root := &command.C{
		Name:  "dbusd",
		Usage: "command args...",
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "serve",
				Help:     "Run the broker until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      command.Adapt(runServe),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runServe(env *command.Env) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := daemon.Config{
		SocketPath: serveArgs.Socket,
		OOMWait:    serveArgs.OOMWait,
		Log:        log,
	}
	if serveArgs.AllowPolicy {
		log.Warn("security policy disabled: every send will be allowed")
	} else {
		cfg.Policy = denyDriverImpersonation
	}
	if serveArgs.Debug {
		cfg.Policy = tracePolicy(cfg.Policy)
	}

	srv, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	defer srv.Close()

	log.Info("listening", "socket", serveArgs.Socket)
	err = srv.Run(env.Context())
	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("shutting down")
	return nil
}

// denyDriverImpersonation is the default security policy: it rejects any
// method call addressed to the connection-local interface, which no
// client may legitimately call (it exists only for the bus's own
// Disconnected signal, which never reaches this hook).
func denyDriverImpersonation(sender, dest *bus.Connection, msg *message.Message) bool {
	return msg.Header.Interface != localInterface
}

// tracePolicy wraps next so every header considered for delivery is
// pretty-printed to stderr before next decides, for --debug runs.
func tracePolicy(next func(sender, dest *bus.Connection, msg *message.Message) bool) func(*bus.Connection, *bus.Connection, *message.Message) bool {
	return func(sender, dest *bus.Connection, msg *message.Message) bool {
		fmt.Fprintf(os.Stderr, "dispatch %# v\n", pretty.Formatter(msg.Header))
		if next == nil {
			return true
		}
		return next(sender, dest, msg)
	}
}
