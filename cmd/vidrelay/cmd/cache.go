package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidrelay/internal/config"
	"github.com/jmylchreest/vidrelay/internal/storage"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the remux cache",
	Long: `Inspect and maintain the remux cache on disk.

These commands work on the cache directory directly and do not need a
running server.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and entries",
	RunE:  runCacheStats,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict least recently used entries until the cache is within budget",
	RunE:  runCacheEvict,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached remux",
	RunE:  runCacheClear,
}

var cacheListEntries bool

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheListEntries, "entries", false, "list every cached entry")
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheEvictCmd, cacheClearCmd)
}

func openCache() (*storage.RemuxCache, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cache, err := storage.NewRemuxCache(cfg.Storage.CachePath(), cfg.Cache.MaxSize.Bytes(), cfg.Cache.LowWaterRatio)
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}
	return cache, cfg, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cache, cfg, err := openCache()
	if err != nil {
		return err
	}
	stats, err := cache.Stats()
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Directory: %s\n", cfg.Storage.CachePath())
	fmt.Fprintf(out, "Entries:   %d\n", stats.Entries)
	fmt.Fprintf(out, "Size:      %s of %s\n", humanize.IBytes(uint64(stats.TotalBytes)), humanize.IBytes(uint64(stats.MaxBytes)))
	if stats.Oldest != nil {
		fmt.Fprintf(out, "Oldest:    %s\n", humanize.Time(*stats.Oldest))
	}

	if !cacheListEntries {
		return nil
	}
	entries, err := cache.Entries()
	if err != nil {
		return fmt.Errorf("listing cache: %w", err)
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST ACCESS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, humanize.IBytes(uint64(e.Size)), e.LastAccess.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	cache, _, err := openCache()
	if err != nil {
		return err
	}
	result, err := cache.EvictIfOverBudget(context.Background())
	if err != nil {
		return fmt.Errorf("evicting: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d entries, freed %s (%s -> %s)\n",
		len(result.Evicted),
		humanize.IBytes(uint64(result.FreedBytes)),
		humanize.IBytes(uint64(result.BytesBefore)),
		humanize.IBytes(uint64(result.BytesAfter)),
	)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cache, _, err := openCache()
	if err != nil {
		return err
	}
	removed, err := cache.Clear()
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s cached %s\n", humanize.Comma(int64(removed)), plural(removed, "entry", "entries"))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
