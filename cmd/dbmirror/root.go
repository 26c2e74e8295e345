// Root command for the dbmirror CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/dbmirror/internal/cache"
	"github.com/mesh-intelligence/dbmirror/internal/paths"
	"github.com/mesh-intelligence/dbmirror/internal/sqlite"
	"github.com/mesh-intelligence/dbmirror/pkg/types"
)

// Global flag values.
var (
	flagConfigDir string
	flagDataDir   string
	flagDatabase  string
	flagUser      string
	flagChunk     int
)

// mirror is the session shared by all subcommands, opened by
// PersistentPreRunE.
var mirror *cache.Mirror

var rootCmd = &cobra.Command{
	Use:   "dbmirror",
	Short: "dbmirror is a cached front end for a relational store",
	Long: `dbmirror keeps an in-memory mirror of a relational database and
stages edits against it. Reads fetch rows incrementally; add, update and
remove stage changes that a commit flushes back in dependency order.`,
	PersistentPreRunE: openMirror,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeMirror()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: $(CWD)/"+paths.DefaultDataDirName+")")
	rootCmd.PersistentFlags().StringVar(&flagDatabase, "db", "", "database file (default: <data-dir>/dbmirror.sqlite)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "user name recorded on commits")
	rootCmd.PersistentFlags().IntVar(&flagChunk, "chunk-size", 0, "rows fetched per page")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(typesCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(rollbackCmd)
}

// openMirror resolves the configuration and opens the store and its
// mirror.
func openMirror(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := sqlite.Open(cfg.DatabasePath, cfg.Username())
	if err != nil {
		return err
	}
	m, err := cache.New(store, cfg)
	if err != nil {
		store.Close()
		return err
	}
	mirror = m
	return nil
}

// closeMirror releases the session, if one was opened.
func closeMirror() error {
	if mirror == nil {
		return nil
	}
	return mirror.Close()
}

// resolveConfig builds the session configuration from flags, config.yaml
// and the environment, in that order of precedence.
func resolveConfig() (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(flagConfigDir)
	if err != nil {
		return types.Config{}, err
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return types.Config{}, err
	}
	dataDir, err := paths.ResolveDataDir(flagDataDir, v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, err
	}

	cfg := types.Config{
		DatabasePath: flagDatabase,
		ChunkSize:    flagChunk,
		User:         flagUser,
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = v.GetString(cfgKeyDatabase)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, "dbmirror.sqlite")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = v.GetInt(cfgKeyChunkSize)
	}
	if cfg.User == "" {
		cfg.User = v.GetString(cfgKeyUser)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dbmirror version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dbmirror", version)
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the known item types in dependency order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, typ := range mirror.ItemTypes() {
			fmt.Println(typ)
		}
		return nil
	},
}
