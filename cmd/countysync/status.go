package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parcelworks/countysync/internal/engine"
	"github.com/parcelworks/countysync/internal/workdb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last sync and store file status",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context) error {
	cfg := engine.Config{OutputDir: viper.GetString("output-dir")}

	workingPath := cfg.WorkingPath()
	if _, err := os.Stat(workingPath); os.IsNotExist(err) {
		fmt.Println("No working database found; no sync has run yet.")
		return nil
	}

	db, err := workdb.Open(workingPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	last, err := db.LastSync(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Println("Working database exists but no sync has completed yet.")
		return nil
	}

	tracked, err := db.HashCount(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Last sync: #%d at %s\n", last.SyncID, last.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("   Records:  %d (added=%d updated=%d deleted=%d)\n",
		last.RecordCount, last.Added, last.Updated, last.Deleted)
	fmt.Printf("   Tracked hashes: %d\n", tracked)
	fmt.Printf("   Geo DB:    %s (%s)\n", cfg.GeoPath(), fileSize(cfg.GeoPath()))
	fmt.Printf("   Stats DB:  %s (%s)\n", cfg.StatsPath(), fileSize(cfg.StatsPath()))
	fmt.Printf("   Working DB: %s (%s)\n", workingPath, fileSize(workingPath))
	return nil
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	size := info.Size()
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.2f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.2f MB", float64(size)/(1024*1024))
	}
}
