package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/internal/cli"
	"github.com/agenshield/agenshield/pkg/scope"
	"github.com/agenshield/agenshield/pkg/store"
)

// policy list flags
var (
	policyListAll     bool
	policyListEnabled bool
	policyListPreset  string
)

// policy add flags
var (
	policyAddID         string
	policyAddName       string
	policyAddAction     string
	policyAddTarget     string
	policyAddPatterns   []string
	policyAddOperations []string
	policyAddPriority   int
	policyAddNetwork    string
	policyAddDisabled   bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage allow/deny/approval policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies visible at the current level",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := listFilter(policyListAll)
		if err != nil {
			return err
		}
		repo := st.Policies(f)

		var policies []*store.Policy
		switch {
		case policyListPreset != "":
			policies, err = repo.GetByPreset(policyListPreset)
		case policyListEnabled:
			policies, err = repo.GetEnabled()
		default:
			policies, err = repo.GetAll()
		}
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No policies found")
			return nil
		}
		printPolicies(cmd.OutOrStdout(), policies)
		return nil
	},
}

func printPolicies(w io.Writer, policies []*store.Policy) {
	fmt.Fprintf(w, "%-36s  %-8s  %-10s  %-8s  %-7s  %-18s  %s\n",
		"ID", "ACTION", "TARGET", "PRIORITY", "ENABLED", "LEVEL", "NAME")
	for _, p := range policies {
		priority := "-"
		if p.Priority != nil {
			priority = fmt.Sprint(*p.Priority)
		}
		fmt.Fprintf(w, "%-36s  %-8s  %-10s  %-8s  %-7v  %-18s  %s\n",
			p.ID, p.Action, p.Target, priority, p.Enabled, levelName(p.TargetID, p.UserUsername), p.Name)
		fmt.Fprintf(w, "%-36s  patterns: %s\n", "", strings.Join(p.Patterns, ", "))
	}
	fmt.Fprintf(w, "\nTotal: %d policies\n", len(policies))
}

var policyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a policy at the current level",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		in := store.PolicyInput{
			ID:            policyAddID,
			Name:          policyAddName,
			Action:        store.PolicyAction(policyAddAction),
			Target:        store.PolicyTarget(policyAddTarget),
			Patterns:      policyAddPatterns,
			Operations:    policyAddOperations,
			NetworkAccess: store.NetworkAccess(policyAddNetwork),
		}
		if cmd.Flags().Changed("priority") {
			in.Priority = &policyAddPriority
		}
		if policyAddDisabled {
			enabled := false
			in.Enabled = &enabled
		}

		p, err := st.Policies(f).Create(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created policy %s (%s)\n", p.ID, levelName(p.TargetID, p.UserUsername))
		return nil
	},
}

// ownedPolicyIDs lists the ids of policies stored exactly at f's level.
func ownedPolicyIDs(f *scope.Filter) ([]string, error) {
	policies, err := st.Policies(f).GetAll()
	if err != nil {
		return nil, err
	}
	var owned []*store.Policy
	for _, p := range policies {
		if ownedBy(f, p.TargetID, p.UserUsername) {
			owned = append(owned, p)
		}
	}
	return cli.PolicyIDs(owned), nil
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <id|pattern>...",
	Short: "Delete policies owned by the current level",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		ids, err := ownedPolicyIDs(f)
		if err != nil {
			return err
		}
		matched, err := cli.MatchAll(args, ids)
		if err != nil {
			return err
		}
		for _, id := range matched {
			if _, err := st.Policies(f).Delete(id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|pattern>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := scopeFilter()
			if err != nil {
				return err
			}
			policies, err := st.Policies(f).GetAll()
			if err != nil {
				return err
			}
			matched, err := cli.MatchAll(args, cli.PolicyIDs(policies))
			if err != nil {
				return err
			}
			for _, id := range matched {
				if _, err := st.Policies(f).SetEnabled(id, enabled); err != nil {
					return fmt.Errorf("failed to update %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", strings.ToUpper(use[:1])+use[1:]+"d", id)
			}
			return nil
		},
	}
}

var policySeedCmd = &cobra.Command{
	Use:   "seed <preset>...",
	Short: "Add the policies of a preset bundle at the current level",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		for _, id := range args {
			n, err := st.Policies(f).SeedPreset(id)
			if err != nil {
				return fmt.Errorf("failed to seed %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preset %s: %d policies added\n", id, n)
		}
		return nil
	},
}

var policyPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in preset bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		presets, err := store.Presets()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range presets {
			fmt.Fprintf(out, "%-12s  %2d policies  %s\n", p.ID, len(p.Policies), p.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyAddCmd)
	policyCmd.AddCommand(policyDeleteCmd)
	policyCmd.AddCommand(setEnabledCmd("enable", "Enable policies visible at the current level", true))
	policyCmd.AddCommand(setEnabledCmd("disable", "Disable policies visible at the current level", false))
	policyCmd.AddCommand(policySeedCmd)
	policyCmd.AddCommand(policyPresetsCmd)

	policyListCmd.Flags().BoolVar(&policyListAll, "all", false, "List policies of every level")
	policyListCmd.Flags().BoolVar(&policyListEnabled, "enabled", false, "Only enabled policies")
	policyListCmd.Flags().StringVar(&policyListPreset, "preset", "", "Only policies seeded from this preset")

	policyAddCmd.Flags().StringVar(&policyAddID, "id", "", "Policy id (default: random UUID)")
	policyAddCmd.Flags().StringVar(&policyAddName, "name", "", "Display name")
	policyAddCmd.Flags().StringVar(&policyAddAction, "action", string(store.ActionAllow), "allow, deny or approval")
	policyAddCmd.Flags().StringVar(&policyAddTarget, "type", string(store.TargetCommand), "command, url, filesystem, skill, process or network")
	policyAddCmd.Flags().StringArrayVar(&policyAddPatterns, "pattern", nil, "Pattern to match (can be repeated)")
	policyAddCmd.Flags().StringArrayVar(&policyAddOperations, "operation", nil, "Restrict to an operation (can be repeated)")
	policyAddCmd.Flags().IntVar(&policyAddPriority, "priority", 0, "Evaluation priority (higher first)")
	policyAddCmd.Flags().StringVar(&policyAddNetwork, "network", "", "Network access for allowed commands: none, proxy or direct")
	policyAddCmd.Flags().BoolVar(&policyAddDisabled, "disabled", false, "Create the policy disabled")
	_ = policyAddCmd.MarkFlagRequired("name")
	_ = policyAddCmd.MarkFlagRequired("pattern")
}
