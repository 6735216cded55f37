package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agenshield/agenshield/pkg/crypto"
	"github.com/agenshield/agenshield/pkg/scope"
	"github.com/agenshield/agenshield/pkg/vault"
)

// EnvPasscode supplies the vault passcode non-interactively. It is read
// once and removed from the environment.
const EnvPasscode = "AGENSHIELD_PASSCODE"

// stdin is shared so piped input is not lost between prompts.
var stdin = bufio.NewReader(os.Stdin)

// envPasscode caches the passcode taken from the environment.
var envPasscode *string

func takeEnvPasscode() (string, bool) {
	if envPasscode == nil {
		v, ok := os.LookupEnv(EnvPasscode)
		if !ok {
			return "", false
		}
		os.Unsetenv(EnvPasscode)
		envPasscode = &v
	}
	return *envPasscode, true
}

// readSecret prompts on stderr and reads a line without echo. When stdin
// is not a terminal the line is read as is.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimRight(line, "\r\n"), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	defer crypto.SecureWipe(b)
	return string(b), nil
}

// readLine prompts on stderr and reads one visible line.
func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func readPasscode(prompt string) (string, error) {
	if p, ok := takeEnvPasscode(); ok {
		return p, nil
	}
	return readSecret(prompt)
}

// readNewPasscode asks twice, prints the strength estimate and enforces
// the configured limits.
func readNewPasscode(out io.Writer, prompt string) (string, error) {
	p, fromEnv := takeEnvPasscode()
	if !fromEnv {
		var err error
		if p, err = readSecret(prompt); err != nil {
			return "", err
		}
		confirm, err := readSecret("Confirm passcode: ")
		if err != nil {
			return "", err
		}
		if p != confirm {
			return "", errors.New("passcodes do not match")
		}
	}

	result := vault.ValidatePasscode(p, cfg.Vault.MinPasscodeLength)
	if !result.Valid {
		return "", fmt.Errorf("passcode validation failed: %s", result.Warnings[0])
	}
	fmt.Fprintf(out, "Passcode strength: %s\n", result.Strength)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	return p, nil
}

// ensureUnlocked prompts for the passcode if the session is locked.
func ensureUnlocked() error {
	if keeper.Session().IsUnlocked() {
		return nil
	}
	passcode, err := readPasscode("Enter passcode: ")
	if err != nil {
		return err
	}
	if err := keeper.Unlock(passcode); err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, seed presets and set the vault passcode",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		state, err := st.State().Get()
		if err != nil {
			return err
		}
		if state == nil {
			if err := st.State().Init(version); err != nil {
				return err
			}
			fmt.Fprintf(out, "Initialized %s\n", st.Path())
		} else {
			fmt.Fprintf(out, "Database already initialized (version %s)\n", state.Version)
		}

		for _, id := range cfg.Presets {
			n, err := st.Policies(scope.Global()).SeedPreset(id)
			if err != nil {
				return fmt.Errorf("failed to seed preset %s: %w", id, err)
			}
			fmt.Fprintf(out, "Preset %s: %d policies added\n", id, n)
		}

		initialized, err := keeper.IsInitialized()
		if err != nil {
			return err
		}
		if initialized {
			fmt.Fprintln(out, "Vault already set up")
			return nil
		}
		passcode, err := readNewPasscode(out, "Choose vault passcode: ")
		if err != nil {
			return err
		}
		if err := keeper.Setup(passcode); err != nil {
			return err
		}
		fmt.Fprintln(out, "Vault set up")
		return nil
	},
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Vault passcode operations",
}

var vaultSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set the vault passcode",
	RunE: func(cmd *cobra.Command, args []string) error {
		initialized, err := keeper.IsInitialized()
		if err != nil {
			return err
		}
		if initialized {
			return vault.ErrAlreadyInitialized
		}
		passcode, err := readNewPasscode(cmd.OutOrStdout(), "Choose vault passcode: ")
		if err != nil {
			return err
		}
		if err := keeper.Setup(passcode); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Vault set up")
		return nil
	},
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := keeper.Status()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Initialized:     %v\n", status.Initialized)
		fmt.Fprintf(out, "Failed attempts: %d\n", status.FailedAttempts)
		if status.CooldownUntil != nil {
			fmt.Fprintf(out, "Cooldown until:  %s\n", formatTime(*status.CooldownUntil))
		}
		fmt.Fprintf(out, "Session timeout: %s\n", cfg.SessionTimeout())
		return nil
	},
}

var vaultChangeCmd = &cobra.Command{
	Use:   "change-passcode",
	Short: "Change the vault passcode and re-encrypt every secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readPasscode("Enter current passcode: ")
		if err != nil {
			return err
		}
		// The environment variable only ever carries the current passcode.
		envPasscode = nil
		next, err := readNewPasscode(cmd.OutOrStdout(), "Enter new passcode: ")
		if err != nil {
			return err
		}
		if err := keeper.ChangePasscode(current, next); err != nil {
			if errors.Is(err, vault.ErrInvalidPasscode) {
				return errors.New("current passcode is incorrect")
			}
			return fmt.Errorf("failed to change passcode: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Passcode changed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultSetupCmd)
	vaultCmd.AddCommand(vaultStatusCmd)
	vaultCmd.AddCommand(vaultChangeCmd)
}
