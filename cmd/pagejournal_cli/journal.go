package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sushant-115/pagejournal/core/write_engine/wal"
)

// DumpCmd prints every record of one journal file.
type DumpCmd struct {
	Journal string `arg:"" help:"Journal path, or a slot number under the journal directory"`
	Summary bool   `name:"summary" short:"s" help:"Print only the scan summary"`
}

func (c *DumpCmd) Run(g *Globals) error {
	path := c.Journal
	if slot, err := strconv.Atoi(c.Journal); err == nil {
		cfg, err := g.load()
		if err != nil {
			return err
		}
		if slot < 0 || slot >= wal.JournalSlots {
			return fmt.Errorf("slot %d out of range [0, %d)", slot, wal.JournalSlots)
		}
		path = wal.SlotPath(journalDir(cfg.Storage.DataDir, cfg.Storage.JournalDir), slot)
	}
	if c.Summary {
		summary, err := wal.ScanJournal(path)
		if err != nil {
			return err
		}
		printSummary(os.Stdout, summary)
		return nil
	}
	return dumpJournal(os.Stdout, path)
}

func journalDir(dataDir, journalDir string) string {
	if journalDir != "" {
		return journalDir
	}
	return dataDir
}

func dumpJournal(out io.Writer, path string) error {
	jr, err := wal.OpenJournalReader(path)
	if err != nil {
		return err
	}
	defer jr.Close()

	fmt.Fprintf(out, "journal %s seq=%d\n", path, jr.Seq())
	records := 0
	for {
		rec, err := jr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			fmt.Fprintf(out, "torn tail after %d records\n", records)
			return nil
		}
		if err != nil {
			return err
		}
		records++
		fmt.Fprintln(out, rec.String())
	}
	fmt.Fprintf(out, "%d records\n", records)
	return nil
}

func printSummary(out io.Writer, s *wal.JournalSummary) {
	fmt.Fprintf(out, "%s seq=%d records=%d checkpoint=%d recoverable=%t torn=%t resources=%v\n",
		s.Path, s.Seq, s.Records, s.LastCheckpoint, s.Recoverable(), s.TornTail, s.Names)
}

// RecoverCmd rolls pending journals into the backing files. With --dry-run
// it only reports what a recovery would do.
type RecoverCmd struct {
	DryRun bool `name:"dry-run" help:"Scan the journals without replaying them"`
}

func (c *RecoverCmd) Run(g *Globals) error {
	if c.DryRun {
		cfg, err := g.load()
		if err != nil {
			return err
		}
		return scanSlots(os.Stdout, journalDir(cfg.Storage.DataDir, cfg.Storage.JournalDir))
	}

	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	store, err := e.openStore(false)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	dirty := store.DirtyShutdown()
	if err := store.Close(); err != nil {
		return err
	}
	if dirty {
		fmt.Println("Recovered from an unclean shutdown.")
	} else {
		fmt.Println("Store was clean.")
	}
	return nil
}

func scanSlots(out io.Writer, dir string) error {
	found := 0
	for slot := 0; slot < wal.JournalSlots; slot++ {
		path := wal.SlotPath(dir, slot)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		found++
		summary, err := wal.ScanJournal(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		printSummary(out, summary)
	}
	if found == 0 {
		fmt.Fprintln(out, "no pending journals")
	}
	return nil
}

// DigestCmd hashes the logical content of resources as the store sees it,
// pending journal changes included.
type DigestCmd struct {
	Names    []string `arg:"" help:"Resource names"`
	ReadOnly bool     `name:"read-only" help:"Open the store read-only; fails if journals are pending"`
}

func (c *DigestCmd) Run(g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	store, err := e.openStore(c.ReadOnly)
	if err != nil {
		return err
	}
	for _, name := range c.Names {
		sum, size, err := digestResource(store, name)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("%s  %s (%d bytes)\n", sum, name, size)
	}
	return store.Close()
}

