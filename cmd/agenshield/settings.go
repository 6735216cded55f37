package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/pkg/store"
)

// config flags
var (
	configShowLevel bool

	configSetHost          string
	configSetPort          int
	configSetLogLevel      string
	configSetNetworkProxy  bool
	configSetSkillScan     bool
	configSetDefaultAction string
	configSetUnset         []string
)

// configFlagFields maps the set flags to the fields they write.
var configFlagFields = map[string]store.ConfigField{
	"daemon-host":    store.FieldDaemonHost,
	"daemon-port":    store.FieldDaemonPort,
	"log-level":      store.FieldLogLevel,
	"network-proxy":  store.FieldEnableNetworkProxy,
	"skill-scan":     store.FieldEnableSkillScan,
	"default-action": store.FieldDefaultAction,
}

func configFlagNames() []string {
	names := make([]string, 0, len(configFlagFields))
	for name := range configFlagFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Daemon settings stored per level",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings merged from global, target and user levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		repo := st.Config(f)

		var values *store.ConfigValues
		if configShowLevel {
			values, err = repo.GetLevel()
		} else {
			values, err = repo.Get()
		}
		if err != nil {
			return err
		}
		if values == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No settings stored")
			return nil
		}
		data, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set settings at the current level",
	Long: `Set settings at the current level. Only the flags given are written;
other settings keep their stored value or inherit from a broader level.
--unset puts a setting back to inheriting, e.g. --unset log-level.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}

		var patch store.ConfigValues
		flags := cmd.Flags()
		if flags.Changed("daemon-host") {
			patch.DaemonHost = &configSetHost
		}
		if flags.Changed("daemon-port") {
			patch.DaemonPort = &configSetPort
		}
		if flags.Changed("log-level") {
			patch.LogLevel = &configSetLogLevel
		}
		if flags.Changed("network-proxy") {
			patch.EnableNetworkProxy = &configSetNetworkProxy
		}
		if flags.Changed("skill-scan") {
			patch.EnableSkillScan = &configSetSkillScan
		}
		if flags.Changed("default-action") {
			action := store.PolicyAction(configSetDefaultAction)
			patch.DefaultAction = &action
		}
		var unset []store.ConfigField
		for _, name := range configSetUnset {
			field, ok := configFlagFields[name]
			if !ok {
				return fmt.Errorf("unknown setting %q (want one of %s)", name, strings.Join(configFlagNames(), ", "))
			}
			unset = append(unset, field)
		}
		if patch == (store.ConfigValues{}) && len(unset) == 0 {
			return fmt.Errorf("no settings given")
		}

		if err := st.Config(f).Set(patch, unset...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings saved (%s)\n", f)
		return nil
	},
}

var configClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the settings stored at the current level",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		cleared, err := st.Config(f).Clear()
		if err != nil {
			return err
		}
		if !cleared {
			fmt.Fprintln(cmd.OutOrStdout(), "No settings stored at this level")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings cleared (%s)\n", f)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configClearCmd)

	configShowCmd.Flags().BoolVar(&configShowLevel, "level", false, "Show only the current level, without inheritance")

	configSetCmd.Flags().StringVar(&configSetHost, "daemon-host", "", "Daemon listen host")
	configSetCmd.Flags().IntVar(&configSetPort, "daemon-port", 0, "Daemon listen port")
	configSetCmd.Flags().StringVar(&configSetLogLevel, "log-level", "", "debug, info, warn or error")
	configSetCmd.Flags().BoolVar(&configSetNetworkProxy, "network-proxy", false, "Route agent traffic through the proxy")
	configSetCmd.Flags().BoolVar(&configSetSkillScan, "skill-scan", false, "Scan skills before use")
	configSetCmd.Flags().StringVar(&configSetDefaultAction, "default-action", "", "allow, deny or approval when no policy matches")
	configSetCmd.Flags().StringSliceVar(&configSetUnset, "unset", nil, "Settings to reset so they inherit again (same names as the flags)")
}
