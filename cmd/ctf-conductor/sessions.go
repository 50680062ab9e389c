package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/pkg/client"
)

var (
	serverURL   string
	apiKey      string
	stateFilter string
	createLive  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage competition sessions through the operator API",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, optionally filtered by state",
	Long: `List sessions known to the running service.

Filter with --state, which accepts a comma separated list
(e.g. --state pending,live).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient()
		if err != nil {
			return err
		}

		var opts client.ListOptions
		if stateFilter != "" {
			for _, part := range strings.Split(stateFilter, ",") {
				opts.States = append(opts.States, models.LifecycleState(strings.TrimSpace(part)))
			}
		}

		sessions, err := c.ListSessions(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		printSessions(cmd.OutOrStdout(), sessions)
		return nil
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a session, or report the existing one with the same name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient()
		if err != nil {
			return err
		}

		resp, err := c.CreateSession(cmd.Context(), strings.Join(args, " "), createLive)
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}

		if resp.Created {
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s (%s)\n", resp.Session.Name, resp.Session.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s already exists (%s)\n", resp.Session.Name, resp.Session.ID)
		}
		if resp.Warning != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Warning: %s\n", resp.Warning)
		}
		return nil
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient()
		if err != nil {
			return err
		}

		s, err := c.ArchiveSession(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("archiving session: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Archived session %s\n", s.Name)
		return nil
	},
}

var sessionsPullCmd = &cobra.Command{
	Use:   "pull <id>",
	Short: "Fetch new tasks from the session's platform now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient()
		if err != nil {
			return err
		}

		n, err := c.PullTasks(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("pulling tasks: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %d new task(s)\n", n)
		return nil
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "operator API base URL (default from server.host and server.port)")
	sessionsCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "operator API key (default from api.key)")
	sessionsListCmd.Flags().StringVar(&stateFilter, "state", "", "comma separated states to show")
	sessionsCreateCmd.Flags().BoolVar(&createLive, "live", false, "create the session already live")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsArchiveCmd, sessionsPullCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// operatorClient builds an API client, falling back to configuration for
// anything not given on the command line
func operatorClient() (*client.Client, error) {
	base, key := serverURL, apiKey
	if base == "" || key == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if base == "" {
			host := cfg.Server.Host
			if host == "0.0.0.0" || host == "" {
				host = "localhost"
			}
			base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
		}
		if key == "" {
			key = cfg.API.Key
		}
	}
	return client.NewClient(base, key), nil
}

func printSessions(w io.Writer, sessions []*models.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tTASKS\tPLATFORM")
	for _, s := range sessions {
		platformURL := "-"
		if s.HasCredentials() {
			platformURL = s.Credentials.URL
		}
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%d\t%s\n", s.ID, s.State.Marker(), s.Name, s.State, len(s.TaskIDs), platformURL)
	}
	tw.Flush()
}
