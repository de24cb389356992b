package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/models"
	"golang.org/x/term"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage marketplace account credentials",
		Long:    "Changes made here are picked up by a running 'sk serve' within one watch interval.",
	}

	cmd.AddCommand(newCredentialAddCmd())
	cmd.AddCommand(newCredentialListCmd())
	cmd.AddCommand(newCredentialSetEnabledCmd("enable", true))
	cmd.AddCommand(newCredentialSetEnabledCmd("disable", false))
	cmd.AddCommand(newCredentialSetCookiesCmd())
	cmd.AddCommand(newCredentialRemoveCmd())
	return cmd
}

func newCredentialAddCmd() *cobra.Command {
	var (
		configPath string
		cookies    string
		cred       models.Credential
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a marketplace account",
		Long: `Stores a new account from its browser cookie header. Without --cookies the
cookie is read from stdin, without echo when stdin is a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := cookies
			if raw == "" {
				var err error
				if raw, err = readSecret(cmd, "Cookie header: "); err != nil {
					return err
				}
			}
			cred.ID = args[0]
			cred.Cookies = raw
			cred.Enabled = !disabled
			return runCredentialAdd(cmd, configPath, &cred)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	f.StringVar(&cookies, "cookies", "", "raw cookie header (read from stdin when empty)")
	f.StringVar(&cred.OwnerUserID, "owner", "", "owning operator user id (required)")
	f.BoolVar(&cred.AutoReply, "auto-reply", true, "answer buyer chats automatically")
	f.BoolVar(&cred.AutoDelivery, "auto-delivery", true, "deliver goods after payment")
	f.BoolVar(&cred.AIReply, "ai-reply", false, "use the AI provider when no rule matches")
	f.BoolVar(&cred.HeartbeatNotify, "heartbeat-notify", false, "notify on heartbeat timeouts")
	f.StringVar(&cred.DefaultReply, "default-reply", "", "reply used when no rule or AI answer applies")
	f.StringVar(&cred.AIPrompt, "ai-prompt", "", "extra instructions appended to the AI system prompt")
	f.BoolVar(&disabled, "disabled", false, "store the account without starting it")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func runCredentialAdd(cmd *cobra.Command, configPath string, cred *models.Credential) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := credential.NewStore(gormDB).Create(cmd.Context(), cred); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added credential %s (user %s, enabled=%t)\n",
		cred.ID, cred.MarketplaceUserID, cred.Enabled)
	return nil
}

func newCredentialListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List marketplace accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	return cmd
}

func runCredentialList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	creds, err := credential.NewStore(gormDB).List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(creds) == 0 {
		fmt.Fprintln(out, "No credentials found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tUSER\tSTATE\tREPLY\tDELIVERY\tAI\tTOKEN EXPIRES")
	for _, c := range creds {
		expires := "-"
		if c.AccessTokenExpiresAt != nil {
			expires = c.AccessTokenExpiresAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.OwnerUserID, c.MarketplaceUserID, credentialState(c),
			onOff(c.AutoReply), onOff(c.AutoDelivery), onOff(c.AIReply), expires)
	}
	return w.Flush()
}

func credentialState(c models.Credential) string {
	switch {
	case c.Invalid:
		return "login-required"
	case c.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newCredentialSetEnabledCmd(use string, enabled bool) *cobra.Command {
	var configPath string

	verb := "Start"
	if !enabled {
		verb = "Stop"
	}
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: verb + " serving a marketplace account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := credential.NewStore(gormDB).SetEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s %sd\n", args[0], use)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	return cmd
}

func newCredentialSetCookiesCmd() *cobra.Command {
	var (
		configPath string
		cookies    string
	)

	cmd := &cobra.Command{
		Use:   "set-cookies <id>",
		Short: "Replace an account's cookies after a manual login",
		Long:  "Stores a fresh cookie header, clears the login-required flag and restarts the account's session.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := cookies
			if raw == "" {
				var err error
				if raw, err = readSecret(cmd, "Cookie header: "); err != nil {
					return err
				}
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := credential.NewStore(gormDB).ReplaceCookies(cmd.Context(), args[0], raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cookies replaced for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	cmd.Flags().StringVar(&cookies, "cookies", "", "raw cookie header (read from stdin when empty)")
	return cmd
}

func newCredentialRemoveCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a marketplace account",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to remove %s without --yes", args[0])
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := credential.NewStore(gormDB).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential %s removed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm removal")
	return cmd
}

// readSecret reads one line from the command's input. A terminal stdin is
// read without echo.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read cookie: %w", err)
		}
		return nonEmpty(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read cookie: %w", err)
	}
	return nonEmpty(line)
}

func nonEmpty(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty cookie header")
	}
	return s, nil
}
