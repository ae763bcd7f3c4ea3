// Command countysync synchronizes county parcel snapshots into the spatial
// and stats stores using delta detection against a persistent hash index.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "countysync",
	Short: "Delta synchronization for county parcel data",
	Long: `countysync extracts the current parcel snapshot from a source database
and synchronizes it into two downstream stores:

  - a spatial store (GeoJSON feature collection, one feature per parcel)
  - a stats store (flat SQLite table, no geometry)

Instead of rewriting both stores on every run, countysync diffs the
snapshot against a persistent hash index and applies only the added,
updated and deleted parcels. Every decision is written to a per-run
change log under the logs directory.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("source", "", "path to the source SQLite database")
	flags.String("source-table", "parcels", "source table holding parcel rows")
	flags.String("output-dir", "output", "directory for the store files")
	flags.String("logs-dir", "logs", "directory for run logs and change logs")
	flags.Int("batch-size", 1000, "extraction batch size")
	flags.String("hash-scope", "attributes", "content hash scope: attributes or attributes+geometry")

	for _, key := range []string{"source", "source-table", "output-dir", "logs-dir", "batch-size", "hash-scope"} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("COUNTYSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("countysync")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config file: %v\n", err)
		}
	}
}

// newRunLogger returns a logger writing to both stderr and a rotating log
// file under the logs directory.
func newRunLogger(logsDir, prefix string) *log.Logger {
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "countysync.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	return log.New(io.MultiWriter(os.Stderr, rotating), prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
