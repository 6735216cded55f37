package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/pkg/store"
)

// tenancy flags
var (
	targetAddName string
	userAddKind   string
	userAddUID    int
	userRole      string
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage targets (agent hosts or workspaces)",
}

var targetAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := targetAddName
		if name == "" {
			name = args[0]
		}
		t, err := st.Targets().Create(args[0], name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created target %s\n", t.ID)
		return nil
	},
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets and their members",
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := st.Targets().List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(targets) == 0 {
			fmt.Fprintln(out, "No targets found")
			return nil
		}
		for _, t := range targets {
			fmt.Fprintf(out, "%-24s  %s\n", t.ID, t.Name)
			members, err := st.Users().Members(t.ID)
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Fprintf(out, "  %-22s  %-8s  %s\n", m.Username, m.Kind, m.Role)
			}
		}
		return nil
	},
}

var targetDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a target and everything scoped to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := st.Targets().Delete(args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("target %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted target %s\n", args[0])
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage host users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var uid *int
		if cmd.Flags().Changed("uid") {
			uid = &userAddUID
		}
		u, err := st.Users().Create(args[0], store.UserKind(userAddKind), uid)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.Username, u.Kind)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := st.Users().List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found")
			return nil
		}
		for _, u := range users {
			uid := "-"
			if u.UID != nil {
				uid = fmt.Sprint(*u.UID)
			}
			fmt.Fprintf(out, "%-24s  %-8s  %s\n", u.Username, u.Kind, uid)
		}
		return nil
	},
}

var userAssignCmd = &cobra.Command{
	Use:   "assign <target> <username>",
	Short: "Add a user to a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.Users().Assign(args[0], args[1], userRole); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s\n", args[1], args[0])
		return nil
	},
}

var userUnassignCmd = &cobra.Command{
	Use:   "unassign <target> <username>",
	Short: "Remove a user from a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := st.Users().Unassign(args[0], args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not assigned to %s", args[1], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unassigned %s from %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetListCmd)
	targetCmd.AddCommand(targetDeleteCmd)
	targetAddCmd.Flags().StringVar(&targetAddName, "name", "", "Display name (default: id)")

	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userAssignCmd)
	userCmd.AddCommand(userUnassignCmd)
	userAddCmd.Flags().StringVar(&userAddKind, "kind", string(store.UserAgent), "agent, broker or operator")
	userAddCmd.Flags().IntVar(&userAddUID, "uid", 0, "Host uid")
	userAssignCmd.Flags().StringVar(&userRole, "role", "", "Role within the target")
}
