package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/ahmedG3far44/DevPilot-server/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "devpilot",
		Short:         "Deploy Node.js projects to a DevPilot host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", "", "API base URL (overrides the saved one)")
	root.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newDeployCommand(),
		newListCommand(),
		newGetCommand(),
		newUpdateCommand(),
		newRedeployCommand(),
		newDeleteCommand(),
		newLogsCommand(),
		newWebhookCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "devpilot %s\n", buildVersion)
			},
		},
	)
	return root
}

// session bundles the saved credentials with a ready client.
type session struct {
	cfg    cliConfig
	client *apiclient.Client
}

func openSession(cmd *cobra.Command, requireToken bool) (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	if override, _ := cmd.Flags().GetString("api"); strings.TrimSpace(override) != "" {
		cfg.APIBaseURL = strings.TrimSpace(override)
	}
	if requireToken && strings.TrimSpace(cfg.AccessToken) == "" {
		return session{}, errors.New("please login first using 'devpilot login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return session{}, err
	}
	return session{cfg: cfg, client: client}, nil
}

func (s session) token() string {
	return strings.TrimSpace(s.cfg.AccessToken)
}

func requestContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{}, nil
		}
		return cliConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "devpilot", "config.json"), nil
}
