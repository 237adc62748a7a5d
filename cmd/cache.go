package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/cache"
)

var (
	cacheShowLimit int
	cacheForce     bool
)

var cacheFlagKeys = map[string]string{
	"output": "output_dir",
	"cache":  "cache.backend",
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the evaluation cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache statistics",
	RunE:  runCacheInfo,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the most recent cache records",
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached evaluation",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheInfoCmd, cacheShowCmd, cacheClearCmd)

	cacheCmd.PersistentFlags().String("output", "", "Output directory holding the cache")
	cacheCmd.PersistentFlags().String("cache", "", "Cache backend: file, sqlite, memory")

	cacheShowCmd.Flags().IntVarP(&cacheShowLimit, "limit", "n", 20, "Number of records to show (0 = all)")
	cacheClearCmd.Flags().BoolVarP(&cacheForce, "force", "f", false, "Skip confirmation prompt")
}

func openConfiguredCache(cmd *cobra.Command) (*cache.Cache, error) {
	cfg, err := loadConfig(cmd, cacheFlagKeys)
	if err != nil {
		return nil, err
	}
	return openCache(cfg)
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	records, err := openConfiguredCache(cmd)
	if err != nil {
		return err
	}
	defer records.Close()

	info := records.Info()
	fmt.Printf("Backend: %s\n", info.Backend)
	if info.Path != "" {
		size := "not written yet"
		if info.Exists {
			size = humanize.Bytes(uint64(info.SizeBytes))
		}
		fmt.Printf("Path:    %s (%s)\n", info.Path, size)
	}
	fmt.Printf("Tested:  %s configurations\n", humanize.Comma(int64(info.Tested)))
	fmt.Printf("Records: %s\n", humanize.Comma(int64(info.Records)))

	kinds := make([]string, 0, len(info.ByKind))
	for kind := range info.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Printf("  %-10s %s\n", kind, humanize.Comma(int64(info.ByKind[cache.Kind(kind)])))
	}
	return nil
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	records, err := openConfiguredCache(cmd)
	if err != nil {
		return err
	}
	defer records.Close()

	recs := records.Records(cacheShowLimit)
	if len(recs) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tKIND\tFITNESS\tWHEN\tDETAIL")
	fmt.Fprintln(w, "----\t----\t-------\t----\t------")
	for _, rec := range recs {
		fit := "-"
		if rec.Fitness != nil {
			fit = fmt.Sprintf("%.4f", *rec.Fitness)
		}
		detail := rec.Failure
		if rec.Attempts > 1 {
			detail = fmt.Sprintf("%s (%d attempts)", detail, rec.Attempts)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortHash(rec.Hash), rec.Kind, fit, humanize.Time(rec.Timestamp), detail)
	}
	w.Flush()
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	records, err := openConfiguredCache(cmd)
	if err != nil {
		return err
	}
	defer records.Close()

	n := records.Len()
	if n == 0 {
		fmt.Println("Cache is already empty.")
		return nil
	}
	if !cacheForce && !confirm(fmt.Sprintf("Delete %d cached evaluation(s)?", n)) {
		fmt.Println("Aborted.")
		return nil
	}
	if err := records.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Printf("Cleared %d cached evaluation(s).\n", n)
	return nil
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "Y"
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
