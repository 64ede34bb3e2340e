// soulshared is the soulshare daemon's maintenance CLI: it scans shares
// into the index and inspects the index and the transfer ledger. The
// network-facing surfaces (peer protocol, HTTP controllers) bind to the
// same core packages and live outside this repository.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/WastedYouthinHell/soulshare/governor"
	"github.com/WastedYouthinHell/soulshare/ledger"
	"github.com/WastedYouthinHell/soulshare/queue"
	"github.com/WastedYouthinHell/soulshare/shares"
	"github.com/WastedYouthinHell/soulshare/soul"
	"github.com/WastedYouthinHell/soulshare/uploads"
	"github.com/WastedYouthinHell/soulshare/users"
)

var (
	dataDir    string
	shareSpecs []string
	filterRes  []string
	workers    int
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "soulshared",
		Short: "soulshare share index and transfer ledger tool",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("bad log level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding the index and ledger databases")
	flags.StringArrayVar(&shareSpecs, "share", nil, "share as local:remote, local:remote:agent, or !local to exclude (repeatable)")
	flags.StringArrayVar(&filterRes, "filter", nil, "regex excluding matching paths from the scan (repeatable)")
	flags.IntVar(&workers, "scan-workers", 4, "share scan fan-out width")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(scanCommand(), searchCommand(), browseCommand(), transfersCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".soulshare"
	}
	return filepath.Join(home, ".soulshare")
}

func newCache() *shares.Cache {
	return shares.NewCache(shares.Options{
		Primary: filepath.Join(dataDir, "shares.db"),
		Backup:  filepath.Join(dataDir, "shares.backup.db"),
		Workers: workers,
	})
}

func openLedger() (*ledger.Ledger, error) {
	return ledger.Open(filepath.Join(dataDir, "transfers.db"))
}

// newService builds an upload service over the local stores. The CLI never
// enqueues, so no peer client or agent relay is wired; the close function
// tears down the governor's refill loop along with the service.
func newService(l *ledger.Ledger, cache *shares.Cache) (*uploads.Service, func()) {
	resolver := users.NewResolver(users.Static{})
	opts := soul.DefaultOptions()
	gov := governor.New(resolver, opts)
	svc := uploads.NewService(uploads.Config{
		Ledger:   l,
		Cache:    cache,
		Queue:    queue.New(resolver, opts),
		Governor: gov,
		Users:    users.Static{},
	})
	return svc, func() {
		svc.Close()
		gov.Close()
	}
}

// parseShares converts --share flags into the share set. The remote path
// defaults to the base name of the local path.
func parseShares(specs []string) ([]shares.Share, error) {
	var out []shares.Share
	for i, spec := range specs {
		if local, ok := strings.CutPrefix(spec, "!"); ok {
			out = append(out, shares.Share{
				ID:        fmt.Sprintf("share%d", i),
				LocalPath: filepath.Clean(local),
				Excluded:  true,
			})
			continue
		}
		parts := strings.SplitN(spec, ":", 3)
		s := shares.Share{
			ID:        fmt.Sprintf("share%d", i),
			LocalPath: filepath.Clean(parts[0]),
		}
		if len(parts) > 1 && parts[1] != "" {
			s.RemotePath = parts[1]
		} else {
			s.RemotePath = filepath.Base(s.LocalPath)
		}
		if len(parts) > 2 {
			s.Agent = parts[2]
		}
		s.Alias = filepath.Base(s.LocalPath)
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no shares configured; pass at least one --share")
	}
	return out, nil
}

func parseFilters() (*shares.Filters, error) {
	return shares.CompileFilters(filterRes)
}
