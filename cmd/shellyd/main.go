// Command shellyd is the remote-terminal daemon: it accepts Ed25519-paired
// mobile clients over websockets and drives an interactive login shell on
// their behalf.
//
// Grounded on tool/tctl/common/tctl.go's command-line conventions: a single
// kingpin.Application, one CmdClause per subcommand, dispatch on
// FullCommand() after Parse.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// version is stamped at build time in a real release pipeline; a literal
// default keeps the binary buildable standalone.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "shellyd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("shellyd", "Remote terminal daemon for trusted mobile clients.")

	var verbose bool
	app.Flag("verbose", "Enable debug logging").Short('v').BoolVar(&verbose)

	start := app.Command("start", "Run the daemon in the foreground.")
	var startHost string
	var startPort int
	var forcePairing bool
	start.Flag("host", "Bind address").Default("0.0.0.0").StringVar(&startHost)
	start.Flag("port", "Plain-HTTP websocket port (TLS listens on port+1)").Default("8765").IntVar(&startPort)
	start.Flag("pairing", "Accept pairing requests even if keys are already authorized").BoolVar(&forcePairing)

	stop := app.Command("stop", "Stop a running daemon.")

	status := app.Command("status", "Report whether the daemon is running.")

	addKey := app.Command("add-key", "Authorize a client's Ed25519 public key without pairing.")
	var keyBlob string
	var keyLabel string
	addKey.Arg("key", "Base64-encoded raw Ed25519 public key").Required().StringVar(&keyBlob)
	addKey.Flag("name", "Label for the key").Default("unnamed").StringVar(&keyLabel)

	pair := app.Command("pair", "Activate pairing on a running daemon, or start one in the foreground with pairing forced on.")
	var pairHost string
	var pairPort int
	pair.Flag("host", "Bind address").Default("0.0.0.0").StringVar(&pairHost)
	pair.Flag("port", "Plain-HTTP websocket port (TLS listens on port+1)").Default("8765").IntVar(&pairPort)

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	switch selected {
	case start.FullCommand():
		return runStart(ctx, startHost, startPort, forcePairing)
	case stop.FullCommand():
		return runStop()
	case status.FullCommand():
		return runStatus()
	case addKey.FullCommand():
		return runAddKey(keyBlob, keyLabel)
	case pair.FullCommand():
		return runPair(ctx, pairHost, pairPort)
	default:
		return trace.BadParameter("unknown command %q", selected)
	}
}
