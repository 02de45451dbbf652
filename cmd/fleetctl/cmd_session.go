package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"fleetsync/internal/client"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store tokens in the local database",
	Long: `Sign in to the fleet API. The password is read from $FLEETCTL_PASSWORD,
--password, or a line on stdin, in that order.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the refresh token and forget local tokens",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user and effective role",
	RunE:  runWhoami,
}

// viewAsCmd is the parent command for super-admin role impersonation
var viewAsCmd = &cobra.Command{
	Use:   "view-as",
	Short: "Inspect or change the super-admin view-as role",
	Long: `Super-admins can act as another role. The choice is stored locally and
sent with every request, including queued replays.

Available subcommands:
  get   - Show the current view-as state
  set   - Act as the given role id
  clear - Return to the actual role`,
}

var viewAsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current view-as state",
	RunE:  runViewAsGet,
}

var viewAsSetCmd = &cobra.Command{
	Use:   "set <role-id>",
	Short: "Act as the given role id",
	Args:  cobra.ExactArgs(1),
	RunE:  runViewAsSet,
}

var viewAsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Return to the actual role",
	RunE:  runViewAsClear,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("email")

	viewAsCmd.AddCommand(viewAsGetCmd, viewAsSetCmd, viewAsClearCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password := os.Getenv("FLEETCTL_PASSWORD")
	if password == "" {
		password = loginPassword
	}
	if password == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	tokens, err := a.client.Login(cmd.Context(), loginEmail, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", tokens.UserName, tokens.Role)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	// The server mirror outlives the tokens, so it is cleared while they
	// still authenticate.
	if _, err := a.client.ClearViewAs(cmd.Context()); err != nil && !client.IsStatus(err, http.StatusUnauthorized) {
		return fmt.Errorf("clear view-as on server (still signed in): %w", err)
	}
	if err := a.viewAs.Set(cmd.Context(), ""); err != nil {
		logger.Sugar().Warnw("could not clear local view-as", "error", err)
	}
	if err := a.client.Logout(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "signed out")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.client.Session(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !info.Authenticated {
		fmt.Fprintln(out, "not signed in")
		return nil
	}
	fmt.Fprintf(out, "%s (%s)\nactual role: %s\neffective role: %s\n", info.UserName, info.UserID, info.ActualRole, info.EffectiveRole)
	if info.ViewAsRoleID != "" {
		fmt.Fprintf(out, "viewing as: %s\n", info.ViewAsRoleID)
	}
	return nil
}

func runViewAsGet(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.viewAs.State(cmd.Context())
	if state.RoleID == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "mode: actual")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\nrole: %s\n", state.Mode, state.RoleID)
	return nil
}

func runViewAsSet(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	// The server checks that the role exists before the choice is kept locally.
	state, err := a.client.SetViewAs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := a.viewAs.Set(cmd.Context(), state.RoleID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "viewing as %s (%s)\n", state.RoleID, state.EffectiveRole)
	return nil
}

func runViewAsClear(cmd *cobra.Command, args []string) error {
	a, err := openAgent(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.client.ClearViewAs(cmd.Context()); err != nil {
		return fmt.Errorf("clear view-as on server: %w", err)
	}
	if err := a.viewAs.Set(cmd.Context(), ""); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "mode: actual")
	return nil
}
