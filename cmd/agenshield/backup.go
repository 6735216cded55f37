package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenshield/agenshield/pkg/audit"
	"github.com/agenshield/agenshield/pkg/backup"
)

// EnvBackupPassphrase supplies the backup passphrase non-interactively.
const EnvBackupPassphrase = "AGENSHIELD_BACKUP_PASSPHRASE"

// backup flags
var (
	backupOutput       string
	backupForce        bool
	backupWithActivity bool
	backupRecipients   []string
	backupIdentityFile string
	restoreForce       bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypted export and restore of the whole database",
	Long: `Encrypted export and restore of the whole database.

Bundles are age-encrypted either with a passphrase (scrypt) or to one or
more age public keys. Secret values stay encrypted under the vault passcode
inside the bundle, so restoring requires both the bundle key and, later,
the original vault passcode.

Examples:
  # Passphrase-protected backup
  agenshield backup export -o agenshield.bkp

  # Backup to an age public key, including the activity log
  agenshield backup export -o agenshield.bkp --recipient age1... --with-activity

  # Restore into an empty database
  agenshield backup restore agenshield.bkp --identity key.txt`,
}

func backupPassphrase(confirm bool) (string, error) {
	if v, ok := os.LookupEnv(EnvBackupPassphrase); ok {
		return v, nil
	}
	p, err := readSecret("Enter backup passphrase: ")
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("passphrase must not be empty")
	}
	if confirm {
		again, err := readSecret("Confirm backup passphrase: ")
		if err != nil {
			return "", err
		}
		if p != again {
			return "", errors.New("passphrases do not match")
		}
	}
	return p, nil
}

// restoreOptions builds the decryption options from --identity or a
// passphrase.
func restoreOptions() (backup.RestoreOptions, error) {
	opts := backup.RestoreOptions{Force: restoreForce, Logger: logger}
	if backupIdentityFile != "" {
		ids, err := backup.ReadIdentityFile(backupIdentityFile)
		if err != nil {
			return opts, err
		}
		opts.Identities = ids
		return opts, nil
	}
	p, err := backupPassphrase(false)
	if err != nil {
		return opts, err
	}
	opts.Passphrase = p
	return opts, nil
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an encrypted backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backupOutput == "" {
			return errors.New("--output is required")
		}
		if !backupForce && backupOutput != "-" {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		opts := backup.ExportOptions{IncludeActivity: backupWithActivity, Logger: logger}
		if len(backupRecipients) > 0 {
			rcpts, err := backup.ParseRecipients(backupRecipients)
			if err != nil {
				return err
			}
			opts.Recipients = rcpts
		} else {
			p, err := backupPassphrase(true)
			if err != nil {
				return err
			}
			opts.Passphrase = p
		}

		var w io.Writer = cmd.OutOrStdout()
		if backupOutput != "-" {
			f, err := os.OpenFile(backupOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		header, err := backup.Export(st.DB(), w, opts)
		if err != nil {
			if backupOutput != "-" {
				os.Remove(backupOutput)
			}
			activity.LogError(audit.OpBackupExport, backupOutput, "export_failed", err.Error())
			return err
		}
		if err := activity.LogSuccess(audit.OpBackupExport, backupOutput); err != nil {
			logger.Warn("failed to record activity", "error", err)
		}

		if backupOutput != "-" {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup written to %s\n", backupOutput)
			fmt.Fprintf(out, "  Policies: %d\n", header.Counts["policies"])
			fmt.Fprintf(out, "  Secrets:  %d\n", header.Counts["secrets"])
			if header.IncludesActivity {
				fmt.Fprintf(out, "  Activity: %d events\n", header.Counts[backup.ActivityTable])
			}
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore a backup into this database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := restoreOptions()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		result, err := backup.Restore(st.DB(), f, opts)
		if err != nil {
			if errors.Is(err, backup.ErrNotEmpty) {
				return fmt.Errorf("%w (use --force to replace existing data)", err)
			}
			return err
		}
		if err := activity.LogSuccess(audit.OpBackupRestore, args[0]); err != nil {
			logger.Warn("failed to record activity", "error", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Restored backup from %s\n", formatTime(result.Header.CreatedAt))
		fmt.Fprintf(out, "  Policies: %d\n", result.Rows["policies"])
		fmt.Fprintf(out, "  Secrets:  %d\n", result.Rows["secrets"])
		if result.Replaced {
			fmt.Fprintln(out, "  Existing data was replaced")
		}
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Decrypt and check a backup without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := restoreOptions()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		result, err := backup.Verify(f, opts)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Backup verification successful")
		fmt.Fprintf(out, "  Format version:   %d\n", result.Version)
		fmt.Fprintf(out, "  Schema version:   %d\n", result.SchemaVersion)
		fmt.Fprintf(out, "  Created:          %s\n", formatTime(result.CreatedAt))
		fmt.Fprintf(out, "  Policies:         %d\n", result.Counts["policies"])
		fmt.Fprintf(out, "  Secrets:          %d\n", result.Counts["secrets"])
		fmt.Fprintf(out, "  Includes activity: %v\n", result.IncludesActivity)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupVerifyCmd)

	backupExportCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path, or - for stdout")
	backupExportCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
	backupExportCmd.Flags().BoolVar(&backupWithActivity, "with-activity", false, "Include the activity log")
	backupExportCmd.Flags().StringArrayVar(&backupRecipients, "recipient", nil, "Encrypt to an age public key instead of a passphrase (can be repeated)")

	for _, c := range []*cobra.Command{backupRestoreCmd, backupVerifyCmd} {
		c.Flags().StringVar(&backupIdentityFile, "identity", "", "age identity file instead of a passphrase")
	}
	backupRestoreCmd.Flags().BoolVar(&restoreForce, "force", false, "Replace existing data")
}
