// Command memtrack inspects allocation tracking artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/memtrack/pkg/replay"
)

// rootConfig holds the flags shared by every subcommand
type rootConfig struct {
	out     io.Writer
	table   bool
	verbose bool
	key     string
}

func (c *rootConfig) open(path string) (*replay.Artifact, error) {
	var opts []replay.Option
	if c.key != "" {
		opts = append(opts, replay.WithIntegrityKey([]byte(c.key)))
	}
	log.WithField("artifact", path).Debug("opening artifact")
	return replay.Open(path, opts...)
}

func newRootCommand(out io.Writer, table bool) (*ffcli.Command, *rootConfig) {
	cfg := &rootConfig{out: out, table: table}

	fs := flag.NewFlagSet("memtrack", flag.ContinueOnError)
	fs.BoolVar(&cfg.verbose, "v", false, "log debug output")
	fs.StringVar(&cfg.key, "key", "", "HMAC key the artifact was signed with")

	root := &ffcli.Command{
		Name:       "memtrack",
		ShortUsage: "memtrack [flags] <subcommand> [flags] <artifact>",
		ShortHelp:  "Inspect memory allocation tracking artifacts",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACK")},
		Subcommands: []*ffcli.Command{
			newStatsCommand(cfg),
			newDumpCommand(cfg),
			newLeaksCommand(cfg),
			newLiveCommand(cfg),
			newPprofCommand(cfg),
			newVersionCommand(cfg),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	return root, cfg
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	table := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	root, cfg := newRootCommand(os.Stdout, table)

	if err := root.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.WithError(err).Fatal("parsing arguments")
	}
	if cfg.verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := root.Run(context.Background()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.WithError(err).Fatal("memtrack failed")
	}
}
