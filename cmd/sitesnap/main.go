package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sitesnap/internal/app"
	"sitesnap/internal/config"
	"sitesnap/internal/snap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var verbose bool

// newApp reads the config and creates a SitesnapApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Push", "Pull").
func newApp(operation string) (*app.SitesnapApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := defaults.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{Passphrase: readPassphrase, Console: os.Stderr, Level: slog.LevelWarn}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	a, err := app.NewSitesnapApp(cfg, operation, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func stdinIsTerminal() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func readPassphrase() (string, error) {
	if !stdinIsTerminal() {
		return "", errors.New("passphrase required but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

var stdin = bufio.NewReader(os.Stdin)

// prompt reads a line until validate accepts it.
func prompt(label string, validate func(string) error) (string, error) {
	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		line, err := stdin.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		line = strings.TrimSpace(line)
		if verr := validate(line); verr != nil {
			fmt.Fprintln(os.Stderr, verr)
			if err != nil {
				return "", verr
			}
			continue
		}
		return line, nil
	}
}

func confirm(question string) (bool, error) {
	answer, err := prompt(question+" [y/N]", func(string) error { return nil })
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}

// snapshotRequest reads the packaging flags and prompts for what is missing.
func snapshotRequest(cmd *cobra.Command) (app.SnapshotRequest, error) {
	flags := cmd.Flags()
	req := app.SnapshotRequest{}
	req.Path, _ = flags.GetString("path")
	req.Project, _ = flags.GetString("project")
	req.Description, _ = flags.GetString("description")
	req.Repository, _ = flags.GetString("repository")
	req.Exclude, _ = flags.GetStringArray("exclude")
	req.ExcludeUploads, _ = flags.GetBool("exclude_uploads")
	req.NoScrub, _ = flags.GetBool("no_scrub")
	req.Small, _ = flags.GetBool("small")
	req.Confirmed, _ = flags.GetBool("yes")
	req.DBHost, _ = flags.GetString("db_host")
	req.DBName, _ = flags.GetString("db_name")
	req.DBUser, _ = flags.GetString("db_user")
	req.DBPassword, _ = flags.GetString("db_password")

	if !stdinIsTerminal() {
		return req, nil
	}
	var err error
	if req.Project == "" {
		if req.Project, err = prompt("Project slug (letters, numbers, _ and -)", snap.ValidateSlug); err != nil {
			return req, err
		}
	}
	if req.Description == "" {
		if req.Description, err = prompt("Description", snap.ValidateDescription); err != nil {
			return req, err
		}
	}
	if req.Small && !req.Confirmed {
		fmt.Fprintln(os.Stderr, "Small mode deletes rows from the local database. Later snapshots will only contain the trimmed data.")
		if req.Confirmed, err = confirm("Continue?"); err != nil {
			return req, err
		}
	}
	return req, nil
}

func addSnapshotFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("path", "", "Site root (default: current directory)")
	f.String("project", "", "Project slug")
	f.String("description", "", "Snapshot description")
	f.StringArray("exclude", nil, "Exclude a path or glob relative to the site root (repeatable)")
	f.Bool("exclude_uploads", false, "Exclude the uploads directory")
	f.Bool("no_scrub", false, "Keep personal data in the database export")
	f.Bool("small", false, "Sample and truncate database rows (modifies the local database)")
	f.Bool("yes", false, "Confirm small mode without prompting")
	f.String("db_host", "", "Database host")
	f.String("db_name", "", "Database name, or file path for sqlite3")
	f.String("db_user", "", "Database user")
	f.String("db_password", "", "Database password")
}

func printStats(a *app.SitesnapApp) {
	if verbose {
		metrics.WriteOnce(a.Metrics(), os.Stderr)
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var rootCmd = &cobra.Command{
	Use:          "sitesnap",
	Short:        "Snapshot a site and share it through a repository",
	SilenceUsage: true,
}

// push command
var pushCmd = &cobra.Command{
	Use:   "push [snapshot_id]",
	Short: "Push a cached snapshot, or create and push a new one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		req := app.SnapshotRequest{}
		var err error
		if len(args) > 0 {
			id = args[0]
			req.Repository, _ = cmd.Flags().GetString("repository")
		} else if req, err = snapshotRequest(cmd); err != nil {
			return err
		}

		a, err := newApp("Push")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Push(cmd.Context(), id, req)
		if err != nil {
			return err
		}
		printStats(a)
		fmt.Printf("Pushed %s to %s: %d block(s) uploaded, %d already present, %s sent\n",
			result.ID, result.Repository, result.Uploaded, result.Skipped, formatSize(result.Bytes))
		return nil
	},
}

// create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a snapshot in the local cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := snapshotRequest(cmd)
		if err != nil {
			return err
		}

		a, err := newApp("Create")
		if err != nil {
			return err
		}
		defer a.Close()

		snapshot, err := a.Create(cmd.Context(), req)
		if err != nil {
			return err
		}
		printStats(a)
		fmt.Printf("Created snapshot %s (%d file(s), %s)\n", snapshot.ID, len(snapshot.Manifest.Entries), formatSize(snapshot.Size))
		return nil
	},
}

// pull command
var pullCmd = &cobra.Command{
	Use:   "pull SNAPSHOT_ID",
	Short: "Fetch a snapshot from a repository into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repository")

		a, err := newApp("Pull")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Pull(cmd.Context(), args[0], repo)
		if err != nil {
			return err
		}
		printStats(a)
		fmt.Printf("Pulled %s from %s: %d block(s) fetched, %d reused, %s received\n",
			result.ID, result.Repository, result.Fetched, result.Reused, formatSize(result.Bytes))
		return nil
	},
}

// checkout command
var checkoutCmd = &cobra.Command{
	Use:   "checkout SNAPSHOT_ID DEST",
	Short: "Write a cached snapshot into an empty directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Checkout")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Checkout(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Checked out %s into %s: %d file(s), %d link(s)\n", result.ID, result.Dest, result.Files, result.Links)
		if result.Skipped > 0 {
			fmt.Printf("Skipped %d special file(s)\n", result.Skipped)
		}
		if result.Database != "" {
			fmt.Printf("Database export: %s\n", result.Database)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("List")
		if err != nil {
			return err
		}
		defer a.Close()

		snapshots, err := a.List()
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots cached.")
			return nil
		}
		for _, s := range snapshots {
			var flags []string
			if s.Scrubbed {
				flags = append(flags, "scrubbed")
			}
			if s.Small {
				flags = append(flags, "small")
			}
			pushed := "-"
			if len(s.PushedTo) > 0 {
				pushed = strings.Join(s.PushedTo, ",")
			}
			fmt.Printf("%s  %s  %-20s  %9s  %-15s  %s  %s\n",
				s.ID,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				s.Project,
				formatSize(s.Size),
				pushed,
				strings.Join(flags, ","),
				s.Description,
			)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status SNAPSHOT_ID",
	Short: "Compare a snapshot with a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repository")

		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context(), args[0], repo)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot:   %s\n", st.ID)
		fmt.Printf("Cached:     %v\n", st.Cached)
		if len(st.PushedTo) > 0 {
			fmt.Printf("Pushed to:  %s\n", strings.Join(st.PushedTo, ", "))
		}
		if st.Repository == "" {
			return nil
		}
		fmt.Printf("Repository: %s\n", st.Repository)
		fmt.Printf("Registered: %v\n", st.Registered)
		if st.Conflict {
			fmt.Println("Conflict:   the repository holds different content under this id")
		}
		if st.Pushed && !st.Registered {
			fmt.Println("Warning:    recorded as pushed, but the repository has no record for this id")
		}
		if st.Cached && !st.Registered {
			fmt.Printf("Missing:    %d block(s)\n", st.MissingBlocks)
		}
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached blocks no snapshot references",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Prune")
		if err != nil {
			return err
		}
		defer a.Close()

		removed, bytes, err := a.Prune()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d block(s), %s\n", removed, formatSize(bytes))
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recorded operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				duration = op.FinishedAt.Time.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		author, _ := cmd.Flags().GetString("author")
		cfg := defaults.NewConfig(author)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Author:   %s\n", cfg.Author)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Println("Add a [[repositories]] entry before pushing.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := defaults.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Author:   %s\n", cfg.Author)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Cache:    %s %s\n", cfg.Cache.Type, cfg.Cache.CacheDir)
		if cfg.Database.Configured() {
			fmt.Printf("Database: %s %s/%s\n", cfg.Database.Driver, cfg.Database.Host, cfg.Database.Name)
		}
		for i, r := range cfg.Repositories {
			def := ""
			if i == 0 {
				def = " (default)"
			}
			enc := ""
			if r.Encrypt {
				enc = " encrypted"
			}
			fmt.Printf("Repository: %s [%s%s]%s\n", r.Name, r.Type, enc, def)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair used by encrypted repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := defaults.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stderr, "Repeat ")
		again, err := readPassphrase()
		if err != nil {
			return err
		}
		if passphrase != again {
			return errors.New("passphrases do not match")
		}
		if err := app.SetupKeys(cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output and transfer counters")

	addSnapshotFlags(pushCmd)
	addSnapshotFlags(createCmd)
	for _, c := range []*cobra.Command{pushCmd, createCmd, pullCmd, statusCmd} {
		c.Flags().String("repository", "", "Repository name (default: first configured)")
	}
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	configInitCmd.Flags().String("author", "", "Author recorded in snapshots (default: current user)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
}
