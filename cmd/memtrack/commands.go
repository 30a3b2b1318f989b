package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/willibrandon/memtrack/pkg/recorder"
	"github.com/willibrandon/memtrack/pkg/replay"
	"github.com/willibrandon/memtrack/pkg/version"
)

var errArtifactArg = errors.New("expected exactly one artifact path")

func artifactArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", errArtifactArg
	}
	return args[0], nil
}

type table interface {
	io.Writer
	Flush() error
}

type plainTable struct {
	io.Writer
}

func (plainTable) Flush() error { return nil }

// newTable aligns columns when writing to a terminal and emits plain
// tab-separated values otherwise
func (c *rootConfig) newTable() table {
	if c.table {
		return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	}
	return plainTable{c.out}
}

func parseKinds(list string) ([]recorder.AllocatorKind, error) {
	if list == "" {
		return recorder.AllocatorKinds(), nil
	}
	var kinds []recorder.AllocatorKind
	for _, name := range strings.Split(list, ",") {
		k, err := recorder.ParseAllocatorKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func writeStack(w io.Writer, frames []recorder.Frame, depth int) {
	for i, f := range frames {
		if depth > 0 && i == depth {
			fmt.Fprintf(w, "\t    ... %d more\n", len(frames)-depth)
			return
		}
		fmt.Fprintf(w, "\t    %s\n", f)
	}
}

func newStatsCommand(cfg *rootConfig) *ffcli.Command {
	return &ffcli.Command{
		Name:       "stats",
		ShortUsage: "memtrack stats <artifact>",
		ShortHelp:  "Summarize an artifact by allocator kind",
		Exec: func(_ context.Context, args []string) error {
			path, err := artifactArg(args)
			if err != nil {
				return err
			}
			a, err := cfg.open(path)
			if err != nil {
				return err
			}
			summary, err := a.Summary()
			if err != nil {
				return err
			}
			records, err := a.ReadAll()
			if err != nil {
				return err
			}
			peak := replay.HighWatermark(records)

			h := summary.Header
			fmt.Fprintf(cfg.out, "artifact:    %s\n", path)
			fmt.Fprintf(cfg.out, "command:     %s\n", h.CommandLine)
			fmt.Fprintf(cfg.out, "pid:         %d\n", h.PID)
			fmt.Fprintf(cfg.out, "go:          %s (memtrack %s)\n", h.GoVersion, h.ToolVersion)
			fmt.Fprintf(cfg.out, "started:     %s\n", h.StartTime.Format(time.RFC3339))
			fmt.Fprintf(cfg.out, "duration:    %s\n", summary.Trailer.EndTime.Sub(h.StartTime).Round(time.Millisecond))
			fmt.Fprintf(cfg.out, "compression: %s\n", h.Compression)
			fmt.Fprintf(cfg.out, "signed:      %t\n", h.Signed)
			fmt.Fprintf(cfg.out, "events:      %d across %d goroutines\n", summary.Trailer.Allocations, summary.Goroutines)
			fmt.Fprintf(cfg.out, "snapshots:   %d\n", summary.Trailer.Snapshots)
			fmt.Fprintf(cfg.out, "peak:        %d bytes in %d blocks\n", peak.Bytes, len(peak.Live))
			fmt.Fprintln(cfg.out)

			kinds := maps.Keys(summary.ByKind)
			slices.Sort(kinds)

			tw := cfg.newTable()
			fmt.Fprintln(tw, "KIND\tCOUNT\tBYTES")
			for _, k := range kinds {
				ks := summary.ByKind[k]
				fmt.Fprintf(tw, "%s\t%d\t%d\n", k, ks.Count, ks.Bytes)
			}
			return tw.Flush()
		},
	}
}

func newDumpCommand(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("memtrack dump", flag.ContinueOnError)
	kindList := fs.String("kind", "", "comma-separated allocator kinds to show (default all)")
	stacks := fs.Bool("stacks", false, "print the stack of every record")
	depth := fs.Int("depth", 0, "maximum frames per stack, 0 for all")

	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "memtrack dump [-kind malloc,free] [-stacks] <artifact>",
		ShortHelp:  "Print allocation records in order",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACK_DUMP")},
		Exec: func(_ context.Context, args []string) error {
			path, err := artifactArg(args)
			if err != nil {
				return err
			}
			kinds, err := parseKinds(*kindList)
			if err != nil {
				return err
			}
			a, err := cfg.open(path)
			if err != nil {
				return err
			}

			tw := cfg.newTable()
			fmt.Fprintln(tw, "SEQ\tTIME\tGOROUTINE\tKIND\tADDRESS\tSIZE")
			n := 0
			for rec, err := range replay.FilterKind(a.Records(), kinds...) {
				if err != nil {
					tw.Flush()
					return err
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%#x\t%d\n",
					rec.Sequence, rec.Time, rec.GoroutineID, rec.Kind, rec.Address, rec.Size)
				if *stacks {
					writeStack(tw, rec.StackTrace(), *depth)
				}
				n++
			}
			log.WithField("records", n).Debug("dump complete")
			return tw.Flush()
		},
	}
}

func newLeaksCommand(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("memtrack leaks", flag.ContinueOnError)
	depth := fs.Int("depth", 8, "maximum frames per stack, 0 for all")
	peak := fs.Bool("peak", false, "show the allocations live at peak usage instead of at exit")

	return &ffcli.Command{
		Name:       "leaks",
		ShortUsage: "memtrack leaks [-peak] [-depth n] <artifact>",
		ShortHelp:  "List allocations that were never released",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACK_LEAKS")},
		Exec: func(_ context.Context, args []string) error {
			path, err := artifactArg(args)
			if err != nil {
				return err
			}
			a, err := cfg.open(path)
			if err != nil {
				return err
			}
			records, err := a.ReadAll()
			if err != nil {
				return err
			}

			live := replay.Leaks(records)
			if *peak {
				live = replay.HighWatermark(records).Live
			}
			var total uint64
			for _, rec := range live {
				total += rec.Size
			}
			fmt.Fprintf(cfg.out, "%d bytes in %d blocks\n", total, len(live))

			tw := cfg.newTable()
			for _, rec := range live {
				fmt.Fprintf(tw, "%d\t%s\t%#x\t%d\n", rec.Sequence, rec.Kind, rec.Address, rec.Size)
				writeStack(tw, rec.StackTrace(), *depth)
			}
			return tw.Flush()
		},
	}
}

type breakpointList []string

func (b *breakpointList) String() string { return strings.Join(*b, ",") }

func (b *breakpointList) Set(v string) error {
	*b = append(*b, v)
	return nil
}

func newLiveCommand(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("memtrack live", flag.ContinueOnError)
	var breaks breakpointList
	fs.Var(&breaks, "break", "stop at the first record matching func:name, file:line or a kind (repeatable)")
	depth := fs.Int("depth", 8, "maximum frames per stack, 0 for all")

	return &ffcli.Command{
		Name:       "live",
		ShortUsage: "memtrack live -break func:main.work <artifact>",
		ShortHelp:  "Show the allocations live when a breakpoint is hit",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACK_LIVE")},
		Exec: func(_ context.Context, args []string) error {
			path, err := artifactArg(args)
			if err != nil {
				return err
			}
			bm := replay.NewBreakpointManager()
			for _, loc := range breaks {
				if _, err := bm.AddBreakpoint(loc); err != nil {
					return fmt.Errorf("breakpoint %q: %w", loc, err)
				}
			}
			a, err := cfg.open(path)
			if err != nil {
				return err
			}
			records, err := a.ReadAll()
			if err != nil {
				return err
			}

			r := replay.NewBasicReplayer()
			if err := r.LoadRecords(records); err != nil {
				return err
			}
			if len(bm.GetBreakpoints()) == 0 {
				err = r.ReplayForward()
			} else {
				err = r.ReplayUntilBreakpoint(bm.CheckBreakpoint)
			}
			if err != nil {
				return err
			}

			idx := r.CurrentIndex()
			if idx < 0 {
				fmt.Fprintln(cfg.out, "no records")
				return nil
			}
			at := records[idx]
			fmt.Fprintf(cfg.out, "stopped at record %d (%s %#x)\n", at.Sequence, at.Kind, at.Address)
			fmt.Fprintf(cfg.out, "%d bytes live in %d blocks\n", r.LiveBytes(), len(r.Live()))

			tw := cfg.newTable()
			for _, rec := range r.Live() {
				fmt.Fprintf(tw, "%d\t%s\t%#x\t%d\n", rec.Sequence, rec.Kind, rec.Address, rec.Size)
				writeStack(tw, rec.StackTrace(), *depth)
			}
			return tw.Flush()
		},
	}
}

func newPprofCommand(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("memtrack pprof", flag.ContinueOnError)
	output := fs.String("o", "", "write the profile to this file (required)")

	return &ffcli.Command{
		Name:       "pprof",
		ShortUsage: "memtrack pprof -o heap.pb.gz <artifact>",
		ShortHelp:  "Convert an artifact to a pprof heap profile",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACK_PPROF")},
		Exec: func(_ context.Context, args []string) error {
			path, err := artifactArg(args)
			if err != nil {
				return err
			}
			if *output == "" {
				return errors.New("-o is required")
			}
			a, err := cfg.open(path)
			if err != nil {
				return err
			}
			records, err := a.ReadAll()
			if err != nil {
				return err
			}
			prof, err := replay.ToProfile(records)
			if err != nil {
				return fmt.Errorf("building profile: %w", err)
			}

			f, err := os.Create(*output)
			if err != nil {
				return err
			}
			if err := prof.Write(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"profile": *output,
				"samples": len(prof.Sample),
			}).Info("wrote heap profile")
			return nil
		},
	}
}

func newVersionCommand(cfg *rootConfig) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "memtrack version",
		ShortHelp:  "Print version information",
		Exec: func(context.Context, []string) error {
			fmt.Fprintln(cfg.out, version.GetVersionInfo())
			return nil
		},
	}
}
