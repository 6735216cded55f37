// Package main provides the agenshield CLI application.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/internal/config"
	"github.com/agenshield/agenshield/pkg/audit"
	"github.com/agenshield/agenshield/pkg/scope"
	"github.com/agenshield/agenshield/pkg/store"
	"github.com/agenshield/agenshield/pkg/vault"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// Persistent flags
var (
	configPath string
	targetFlag string
	userFlag   string
)

// Process-wide handles opened by PersistentPreRunE.
var (
	cfg      *config.Config
	logger   *slog.Logger
	st       *store.Store
	activity *audit.Logger
	keeper   *vault.Keeper
)

var rootCmd = &cobra.Command{
	Use:           "agenshield",
	Short:         "agenshield manages scoped policies and secrets for AI agents",
	Long:          `Stores allow/deny policies, encrypted secrets and daemon settings per target and user.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE opens the configuration, store, activity log and
	// vault keeper before every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" ||
			(cmd.HasParent() && cmd.Parent().Name() == "completion") {
			return nil
		}
		return openRuntime()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeRuntime()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&targetFlag, "target", "", "Operate at the level of this target")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "Operate at the level of this user (requires --target)")

	rootCmd.AddCommand(versionCmd)
}

func openRuntime() error {
	// A failed command skips PersistentPostRunE.
	if err := closeRuntime(); err != nil {
		return err
	}

	var err error
	cfg, err = config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	logger = cfg.NewLogger(os.Stderr)

	st, err = store.Open(cfg.Database, store.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	activity = audit.NewLogger(st.DB(), audit.SourceCLI, audit.Options{
		Dir:    audit.DirFor(st.Path()),
		Logger: logger,
	})
	st.SetRecorder(activity)

	keeper = vault.NewKeeper(st.DB(), vault.NewSession(cfg.SessionTimeout()), vault.KeeperOptions{
		MinPasscodeLength: cfg.Vault.MinPasscodeLength,
		Logger:            logger,
		Recorder:          activity,
	})
	return nil
}

func closeRuntime() error {
	if keeper != nil {
		keeper.Lock()
		keeper = nil
	}
	if st == nil {
		return nil
	}
	err := st.Close()
	st = nil
	activity = nil
	return err
}

// scopeFilter maps --target and --user to the level an operation runs at.
func scopeFilter() (*scope.Filter, error) {
	switch {
	case userFlag != "" && targetFlag == "":
		return nil, errors.New("--user requires --target")
	case userFlag != "":
		return scope.User(targetFlag, userFlag), nil
	case targetFlag != "":
		return scope.Target(targetFlag), nil
	default:
		return scope.Global(), nil
	}
}

// listFilter is scopeFilter, or the unscoped administrative view when all
// is set.
func listFilter(all bool) (*scope.Filter, error) {
	if all {
		if targetFlag != "" || userFlag != "" {
			return nil, errors.New("--all cannot be combined with --target or --user")
		}
		return nil, nil
	}
	return scopeFilter()
}

// levelName describes the level owning a row.
func levelName(targetID, username *string) string {
	switch {
	case targetID == nil:
		return "global"
	case username == nil:
		return "target:" + *targetID
	default:
		return "user:" + *targetID + "/" + *username
	}
}

// ownedBy reports whether a row's ownership columns equal f's level.
func ownedBy(f *scope.Filter, targetID, username *string) bool {
	return equalPtr(f.TargetID.Ptr(), targetID) && equalPtr(f.UserUsername.Ptr(), username)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// parseDuration extends time.ParseDuration with d (days), w (weeks),
// m (30-day months) and y (365-day years).
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	day := 24 * time.Hour
	var mult time.Duration
	switch unit {
	case 'd':
		mult = day
	case 'w':
		mult = 7 * day
	case 'm':
		mult = 30 * day
	case 'y':
		mult = 365 * day
	default:
		return time.ParseDuration(s)
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// "1h30m" and friends
		return time.ParseDuration(s)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}
	return time.Duration(value) * mult, nil
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
