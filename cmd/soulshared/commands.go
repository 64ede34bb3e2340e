package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/WastedYouthinHell/soulshare/ledger"
	"github.com/WastedYouthinHell/soulshare/soul"
)

func scanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the configured shares into the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			shareSet, err := parseShares(shareSpecs)
			if err != nil {
				return err
			}
			filters, err := parseFilters()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cache := newCache()
			defer func() { _ = cache.Close() }()
			if _, err := cache.TryLoad(ctx); err != nil {
				return err
			}

			states := cache.Subscribe()
			go func() {
				last := -1
				for s := range states {
					pct := int(s.Progress * 100)
					if s.Filling && pct/10 != last/10 {
						last = pct
						fmt.Fprintf(cmd.OutOrStdout(), "scanning… %d%%\n", pct)
					}
				}
			}()

			err = cache.Fill(ctx, shareSet, filters)
			if err != nil {
				return err
			}
			state := cache.State()
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files in %d directories (%d excluded)\n",
				state.Files, state.Directories, state.ExcludedDirectories)
			return nil
		},
	}
}

func searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the share index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := newCache()
			defer func() { _ = cache.Close() }()
			if ok, err := cache.TryLoad(cmd.Context()); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("no share index; run scan first")
			}
			files, err := cache.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%d\n", f.MaskedFilename, f.Size)
			}
			return w.Flush()
		},
	}
}

func browseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse [share]",
		Short: "Print the indexed directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := newCache()
			defer func() { _ = cache.Close() }()
			if ok, err := cache.TryLoad(cmd.Context()); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("no share index; run scan first")
			}
			var prefix string
			if len(args) == 1 {
				prefix = args[0]
			}
			dirs, err := cache.Browse(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, d := range dirs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/ (%d files)\n", d.Name, len(d.Files))
				for _, f := range d.Files {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\t%d\n", f.MaskedFilename, f.Size)
				}
			}
			return nil
		},
	}
}

func transfersCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "transfers",
		Short: "Inspect the transfer ledger",
	}

	var includeRemoved bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List transfer records",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()
			transfers, err := l.List(cmd.Context(), ledger.Filter{IncludeRemoved: includeRemoved})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tFILE\tSTATE\tBYTES")
			for _, t := range transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
					t.ID, t.Username, t.Filename, t.State, t.BytesTransferred, t.Size)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&includeRemoved, "all", false, "include removed records")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Soft-delete a completed transfer record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad transfer id %q: %w", args[0], err)
			}
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()
			cache := newCache()
			defer func() { _ = cache.Close() }()
			svc, closeService := newService(l, cache)
			defer closeService()
			return svc.Remove(cmd.Context(), id)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad transfer id %q: %w", args[0], err)
			}
			l, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()
			cache := newCache()
			defer func() { _ = cache.Close() }()
			svc, closeService := newService(l, cache)
			defer closeService()

			if svc.TryCancel(id) {
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
				return nil
			}
			t, err := svc.Find(cmd.Context(), id)
			if err != nil {
				return err
			}
			if t.State.Terminal() {
				return fmt.Errorf("transfer %s already completed: %w", id, soul.ErrInvalidOperation)
			}
			return fmt.Errorf("transfer %s is not active in this process: %w", id, soul.ErrInvalidOperation)
		},
	}

	root.AddCommand(list, remove, cancel)
	return root
}
