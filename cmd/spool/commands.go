package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gosuri/uilive"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"github.com/webbmaffian/go-spool/channel"
	"github.com/webbmaffian/go-spool/config"
	"github.com/webbmaffian/go-spool/sequence"
)

func initConfigCmd() *command {
	return &command{
		flags:    flag.NewFlagSet("init-config", flag.ContinueOnError),
		usage:    "init-config <path>",
		short:    "Write a config file with default settings",
		noConfig: true,
		exec: func(_ context.Context, e *env, args []string) error {
			if len(args) != 1 {
				return errors.New("exactly one path expected")
			}

			return config.Write(args[0], config.Default())
		},
	}
}

func pushCmd() *command {
	return &command{
		flags: flag.NewFlagSet("push", flag.ContinueOnError),
		usage: "push",
		short: "Push every line of stdin as a record",
		exec: func(ctx context.Context, e *env, _ []string) (err error) {
			ch, err := channel.Open(e.cfg.QueueOptions(e.log))

			if err != nil {
				return
			}

			defer ch.Close()

			maxRecord := int(e.cfg.Queue.MaxRecordSize)

			if maxRecord == 0 {
				maxRecord = channel.DefaultMaxRecordSize
			}

			scanner := bufio.NewScanner(e.stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), maxRecord+1)

			var pushed int

			for scanner.Scan() {
				if err = ctx.Err(); err != nil {
					break
				}

				if err = ch.Push(scanner.Bytes()); err != nil {
					break
				}

				pushed++
			}

			if err == nil {
				err = scanner.Err()
			}

			e.log.Debug("pushed records", "count", pushed)

			return
		},
	}
}

func popCmd() *command {
	flags := flag.NewFlagSet("pop", flag.ContinueOnError)
	limit := flags.IntP("count", "n", 0, "maximum number of records to pop, 0 pops all")

	return &command{
		flags: flags,
		usage: "pop [-n N]",
		short: "Pop records to stdout, one per line",
		exec: func(ctx context.Context, e *env, _ []string) (err error) {
			ch, err := channel.Open(e.cfg.QueueOptions(e.log))

			if err != nil {
				return
			}

			defer ch.Close()

			w := bufio.NewWriter(e.stdout)
			defer w.Flush()

			for i := 0; *limit == 0 || i < *limit; i++ {
				if err = ctx.Err(); err != nil {
					return
				}

				err = ch.PopFunc(func(record []byte) error {
					if _, err := w.Write(record); err != nil {
						return err
					}

					return w.WriteByte('\n')
				})

				if errors.Is(err, channel.ErrEmpty) {
					return nil
				}

				if err != nil {
					return
				}
			}

			return
		},
	}
}

func statCmd() *command {
	flags := flag.NewFlagSet("stat", flag.ContinueOnError)
	watch := flags.BoolP("watch", "w", false, "keep refreshing while stdout is a terminal")
	interval := flags.Duration("interval", time.Second, "refresh interval")

	return &command{
		flags: flags,
		usage: "stat [--watch]",
		short: "Show what is outstanding in the queue",
		exec: func(ctx context.Context, e *env, _ []string) (err error) {
			if e.cfg.Queue.Path == "" {
				return errors.New("queue.path is empty, only shared queues can be observed")
			}

			mon, err := channel.OpenReadonly(e.cfg.Queue.Path)

			if err != nil {
				return
			}

			defer mon.Close()

			if !*watch || !isTerminal(e.stdout) {
				printStat(e.stdout, mon)
				return
			}

			writer := uilive.New()
			writer.Out = e.stdout
			writer.Start()
			defer writer.Stop()

			ticker := time.NewTicker(*interval)
			defer ticker.Stop()

			for {
				printStat(writer, mon)
				_ = writer.Flush()

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

func printStat(w io.Writer, mon *channel.Monitor) {
	s := mon.Stat()

	fmt.Fprintf(w, "Name: %s\n", mon.Name())
	fmt.Fprintf(w, "Ring: %d/%d bytes, %d records\n", s.RingBytes, s.RingSize, s.RingRecords)

	if path := mon.OverflowPath(); path != "" {
		fmt.Fprintf(w, "Overflow file: %s\n", path)
		fmt.Fprintf(w, "File: %d bytes, %d records\n", s.FileBytes, s.FileRecords)
	}

	fmt.Fprintf(w, "Total: %d bytes, %d records\n", s.Bytes(), s.Records())
}

func seqCmd() *command {
	return &command{
		flags: flag.NewFlagSet("seq", flag.ContinueOnError),
		usage: "seq",
		short: "Print the next global sequence id",
		exec: func(_ context.Context, e *env, _ []string) (err error) {
			seq, err := sequence.Open(e.cfg.SequencePath)

			if err != nil {
				return
			}

			defer seq.Close()

			_, err = fmt.Fprintln(e.stdout, seq.Next())

			return
		},
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)

	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
