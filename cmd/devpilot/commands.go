package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/ahmedG3far44/DevPilot-server/pkg/api/client"
)

func newLoginCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an API token issued by the GitHub sign-in",
		Long: "Sign in through the web client, copy the auth_token cookie value and paste it here.\n" +
			"The token is verified against the API before it is saved.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(token)
			if secret == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Token: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				secret = strings.TrimSpace(string(raw))
			}
			if secret == "" {
				return errors.New("token is required")
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			user, err := s.client.Me(ctx, secret)
			if err != nil {
				return err
			}
			s.cfg.AccessToken = secret
			if override, _ := cmd.Flags().GetString("api"); strings.TrimSpace(override) != "" {
				s.cfg.APIBaseURL = strings.TrimSpace(override)
			}
			if err := saveConfig(s.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", user.Login)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "API token (supply to avoid prompt)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.AccessToken = ""
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account the saved token belongs to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			user, err := s.client.Me(ctx, s.token())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", user.Login, user.ID)
			return nil
		},
	}
}

func newDeployCommand() *cobra.Command {
	var (
		input apiclient.CreateDeploymentInput
		env   []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create a deployment and follow its output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			vars, err := parseEnvFlags(env)
			if err != nil {
				return err
			}
			input.EnvVars = vars
			out := cmd.OutOrStdout()
			result, err := s.client.CreateDeployment(cmd.Context(), s.token(), input, printFrame(out))
			return reportStream(out, result, err)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&input.ProjectName, "name", "", "Project name (required)")
	flags.StringVar(&input.CloneURL, "repo", "", "Git clone URL (required)")
	flags.StringVar(&input.Description, "description", "", "Short description")
	flags.StringVar(&input.PackageManager, "package-manager", "", "npm, yarn or pnpm")
	flags.StringVar(&input.BuildScript, "build", "", "Build script")
	flags.StringVar(&input.RunScript, "run", "", "Run script")
	flags.StringVar(&input.EntryFile, "entry", "", "Entry file")
	flags.StringVar(&input.MainDirectory, "dir", "", "Directory inside the repository")
	flags.StringArrayVarP(&env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newListCommand() *cobra.Command {
	var page, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			resp, err := s.client.ListDeployments(ctx, s.token(), page, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Deployments) == 0 {
				fmt.Fprintln(out, "no deployments")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPORT\tURL")
			for _, d := range resp.Deployments {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.ProjectName, d.Status, d.Port, d.DeploymentURL)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			p := resp.Pagination
			fmt.Fprintf(out, "page %d of %d (%d total)\n", p.Page, p.Pages, p.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 10, "Page size")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			d, err := s.client.GetDeployment(ctx, s.token(), args[0])
			if err != nil {
				return err
			}
			printDeployment(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newUpdateCommand() *cobra.Command {
	var env []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit deployment metadata",
		Long:  "Edits take effect on the next redeploy.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			var input apiclient.UpdateDeploymentInput
			flags := cmd.Flags()
			for flag, target := range map[string]**string{
				"description": &input.Description,
				"entry":       &input.EntryFile,
				"dir":         &input.MainDirectory,
				"build":       &input.BuildScript,
				"run":         &input.RunScript,
			} {
				if flags.Changed(flag) {
					value, _ := flags.GetString(flag)
					*target = &value
				}
			}
			if flags.Changed("env") {
				vars, err := parseEnvFlags(env)
				if err != nil {
					return err
				}
				input.EnvVars = &vars
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			d, err := s.client.UpdateDeployment(ctx, s.token(), args[0], input)
			if err != nil {
				return err
			}
			printDeployment(cmd.OutOrStdout(), d)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("description", "", "Short description")
	flags.String("entry", "", "Entry file")
	flags.String("dir", "", "Directory inside the repository")
	flags.String("build", "", "Build script")
	flags.String("run", "", "Run script")
	flags.StringArrayVarP(&env, "env", "e", nil, "Replace environment variables with KEY=VALUE entries")
	return cmd
}

func newRedeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redeploy <id>",
		Short: "Rerun the pipeline of a deployment and follow its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := s.client.Redeploy(cmd.Context(), s.token(), args[0], printFrame(out))
			return reportStream(out, result, err)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a deployment and its remote artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 3*time.Minute)
			defer cancel()
			name, err := s.client.DeleteDeployment(ctx, s.token(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print output captured by the latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			logs, err := s.client.FetchLogs(ctx, s.token(), args[0], limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range logs {
				fmt.Fprintf(out, "[%s] %s\n", entry.Stream, entry.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func newWebhookCommand() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "webhook <id>",
		Short: "Set the push webhook secret of a deployment",
		Long:  "Without --secret the server generates one. The secret is shown only once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, 15*time.Second)
			defer cancel()
			hook, err := s.client.SetWebhookSecret(ctx, s.token(), args[0], secret)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payload url: %s\n", hook.URL)
			fmt.Fprintf(out, "secret:      %s\n", hook.Secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Secret to use (at least 16 characters)")
	return cmd
}

func parseEnvFlags(values []string) ([]apiclient.EnvVar, error) {
	vars := make([]apiclient.EnvVar, 0, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid env %q: expected KEY=VALUE", raw)
		}
		vars = append(vars, apiclient.EnvVar{Key: strings.TrimSpace(key), Value: value})
	}
	return vars, nil
}

func printFrame(out io.Writer) func(string) {
	return func(frame string) {
		fmt.Fprintln(out, frame)
	}
}

func reportStream(out io.Writer, result apiclient.StreamResult, err error) error {
	if err != nil {
		return err
	}
	switch {
	case result.Detached:
		fmt.Fprintln(out, "deployment queued; follow it with 'devpilot logs'")
		return nil
	case result.Success:
		return nil
	default:
		return fmt.Errorf("deployment failed: %s", result.Message)
	}
}

func printDeployment(out io.Writer, d apiclient.Deployment) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", d.ID)
	fmt.Fprintf(tw, "name:\t%s\n", d.ProjectName)
	fmt.Fprintf(tw, "repo:\t%s\n", d.CloneURL)
	fmt.Fprintf(tw, "status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "port:\t%d\n", d.Port)
	fmt.Fprintf(tw, "url:\t%s\n", d.DeploymentURL)
	if d.LastDeployedAt != nil {
		fmt.Fprintf(tw, "last deployed:\t%s\n", d.LastDeployedAt.Local().Format(time.RFC1123))
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(tw, "error:\t%s\n", d.ErrorMessage)
	}
	for _, v := range d.EnvVars {
		fmt.Fprintf(tw, "env:\t%s\n", v.Key)
	}
	_ = tw.Flush()
}
