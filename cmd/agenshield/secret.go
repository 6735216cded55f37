package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/internal/cli"
	"github.com/agenshield/agenshield/pkg/scope"
	"github.com/agenshield/agenshield/pkg/security"
	"github.com/agenshield/agenshield/pkg/store"
)

// secret flags
var (
	secretListAll    bool
	secretListPolicy string
	secretSetValue   string
	secretSetScope   string
	secretSetPolicy  []string
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage vault secrets",
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names visible at the current level (values masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := listFilter(secretListAll)
		if err != nil {
			return err
		}
		secrets, err := st.Secrets(f, nil).GetAllMasked()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var shown int
		for _, s := range secrets {
			if secretListPolicy != "" && !containsString(s.PolicyIDs, secretListPolicy) {
				continue
			}
			if shown == 0 {
				fmt.Fprintf(out, "%-32s  %-10s  %-18s  %s\n", "NAME", "SCOPE", "LEVEL", "POLICIES")
			}
			fmt.Fprintf(out, "%-32s  %-10s  %-18s  %d\n", s.Name, s.Scope, levelName(s.TargetID, s.UserUsername), len(s.PolicyIDs))
			shown++
		}
		if shown == 0 {
			fmt.Fprintln(out, "No secrets found")
			return nil
		}
		fmt.Fprintf(out, "\nTotal: %d secrets\n", shown)
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <name|pattern>...",
	Short: "Print decrypted secret values",
	Long: `Print decrypted secret values.

A single exact name prints only the value. Patterns ('DB_*') or several
names print NAME=value lines.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer keeper.Lock()

		repo := st.Secrets(f, keeper.Session())
		masked, err := repo.GetAllMasked()
		if err != nil {
			return err
		}
		names, err := cli.MatchAll(args, cli.SecretNames(masked))
		if err != nil {
			return err
		}

		single := len(args) == 1 && !cli.IsPattern(args[0])
		out := cmd.OutOrStdout()
		for _, name := range names {
			s, err := repo.GetByName(name)
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("secret %s not found", name)
			}
			if single {
				fmt.Fprintln(out, s.Value)
			} else {
				fmt.Fprintf(out, "%s=%s\n", s.Name, s.Value)
			}
		}
		return nil
	},
}

// ownedSecret returns the secret called name stored exactly at f's level.
func ownedSecret(f *scope.Filter, name string) (*store.Secret, error) {
	secrets, err := st.Secrets(f, nil).GetAllMasked()
	if err != nil {
		return nil, err
	}
	for _, s := range secrets {
		if s.Name == name && ownedBy(f, s.TargetID, s.UserUsername) {
			return s, nil
		}
	}
	return nil, nil
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a secret at the current level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		name := args[0]

		value := secretSetValue
		if !cmd.Flags().Changed("value") {
			if value, err = readSecret("Enter value for " + name + ": "); err != nil {
				return err
			}
		}

		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer keeper.Lock()

		existing, err := ownedSecret(f, name)
		if err != nil {
			return err
		}
		repo := st.Secrets(f, keeper.Session())
		out := cmd.OutOrStdout()

		if existing == nil {
			s, err := repo.Create(store.SecretInput{
				Name:      name,
				Value:     value,
				Scope:     store.SecretScope(secretSetScope),
				PolicyIDs: secretSetPolicy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Created %s (%s, %s)\n", s.Name, s.Scope, levelName(s.TargetID, s.UserUsername))
			return nil
		}

		patch := store.SecretPatch{Value: &value}
		if cmd.Flags().Changed("scope") {
			sc := store.SecretScope(secretSetScope)
			patch.Scope = &sc
		}
		if cmd.Flags().Changed("policy") {
			patch.PolicyIDs = &secretSetPolicy
		}
		s, err := repo.Update(existing.ID, patch)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("secret %s disappeared during update", name)
		}
		fmt.Fprintf(out, "Updated %s (%s, %s)\n", s.Name, s.Scope, levelName(s.TargetID, s.UserUsername))
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name|pattern>...",
	Short: "Delete secrets owned by the current level",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scopeFilter()
		if err != nil {
			return err
		}
		secrets, err := st.Secrets(f, nil).GetAllMasked()
		if err != nil {
			return err
		}
		byName := make(map[string]*store.Secret)
		var owned []*store.Secret
		for _, s := range secrets {
			if ownedBy(f, s.TargetID, s.UserUsername) {
				owned = append(owned, s)
				byName[s.Name] = s
			}
		}
		names, err := cli.MatchAll(args, cli.SecretNames(owned))
		if err != nil {
			return err
		}
		repo := st.Secrets(f, nil)
		for _, name := range names {
			deleted, err := repo.Delete(byName[name].ID)
			if err != nil {
				return err
			}
			if !deleted {
				return errors.New("secret " + name + " was not deleted")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
		}
		return nil
	},
}

var secretCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report weak and reused secret values visible at the current level",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := listFilter(secretListAll)
		if err != nil {
			return err
		}
		if err := ensureUnlocked(); err != nil {
			return err
		}
		defer keeper.Lock()

		secrets, err := st.Secrets(f, keeper.Session()).GetAll()
		if err != nil {
			return err
		}
		report, err := security.Check(secrets)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Score: %d/100 (%d secrets checked)\n", report.Score, report.Checked)
		if len(report.Issues) == 0 {
			fmt.Fprintln(out, "No issues found")
			return nil
		}
		for _, issue := range report.Issues {
			fmt.Fprintf(out, "\n[%s] %s\n", issue.Type, issue.Description)
			fmt.Fprintf(out, "  secrets: %s\n", strings.Join(issue.Secrets, ", "))
			if issue.Suggestion != "" {
				fmt.Fprintf(out, "  %s\n", issue.Suggestion)
			}
		}
		return nil
	},
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretCheckCmd)
	secretCheckCmd.Flags().BoolVar(&secretListAll, "all", false, "Check secrets of every level")

	secretListCmd.Flags().BoolVar(&secretListAll, "all", false, "List secrets of every level")
	secretListCmd.Flags().StringVar(&secretListPolicy, "policy", "", "Only secrets linked to this policy")

	secretSetCmd.Flags().StringVar(&secretSetValue, "value", "", "Secret value (default: prompt)")
	secretSetCmd.Flags().StringVar(&secretSetScope, "scope", "", "global, policed or standalone (default: inferred)")
	secretSetCmd.Flags().StringArrayVar(&secretSetPolicy, "policy", nil, "Link to a policy id (can be repeated)")
}
