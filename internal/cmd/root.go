// Package cmd provides the command-line interface for site discovery.
// It handles command parsing, configuration loading, and run execution.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "discovery [base-url]",
	Short: "Discover the pages of a site ahead of an accessibility audit",
	Long: `discovery crawls a website the way a browser sees it, optionally
logging in first, and records every reachable page together with the
signals an accessibility audit needs: titles, forms, links and failures.

Runs are stored in SQLite and can be inspected, reported on, or served
over HTTP with the serve command.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runDiscovery,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./discovery.yml)")
	pf.StringP("database", "d", config.DefaultDatabasePath(), "Path to SQLite database file")
	pf.String("secret-key-file", config.DefaultSecretKeyFile(), "Key used to seal credentials and sessions at rest")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Also write JSON logs to this file (rotated)")

	f := rootCmd.Flags()
	f.Bool("show-config", false, "Display current configuration in YAML format and exit")
	f.Bool("save-only", false, "Store the crawler definition without running it")

	f.String("id", "", "Crawler ID (default derived from the base URL)")
	f.String("name", "", "Human readable crawler name")
	f.IntP("max-pages", "l", 100, "Stop after N pages")
	f.Int("max-depth", 3, "Maximum link depth from the base URL")
	f.IntP("concurrency", "c", 1, "Number of concurrent browser pages")
	f.DurationP("delay", "r", time.Second, "Delay between page batches")
	f.DurationP("timeout", "t", 30*time.Second, "Navigation timeout per page")
	f.StringP("user-agent", "u", config.DefaultUserAgent, "User-Agent header")
	f.Bool("respect-robots", true, "Honor robots.txt rules")
	f.Bool("follow-external", false, "Follow links to other hosts")
	f.StringSlice("include-patterns", []string{}, "Regex patterns for URLs to include")
	f.StringSlice("exclude-patterns", []string{}, "Regex patterns for URLs to exclude")
	f.StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	f.String("engine", string(config.EngineChromium), "Page engine: 'chromium' or 'http'")
	f.String("browser-path", "", "Chromium binary to launch")
	f.String("remote-url", "", "DevTools URL of an already running browser")

	f.String("auth-type", "", "Authentication type: 'none', 'basic', 'custom' or 'federated'")
	f.String("login-url", "", "Login page URL")
	f.String("username-selector", "", "CSS selector of the username field")
	f.String("password-selector", "", "CSS selector of the password field")
	f.String("submit-selector", "", "CSS selector of the submit button")
	f.String("success-selector", "", "CSS selector present only when logged in")
	f.String("auth-username-env", "", "Environment variable holding the username")
	f.String("auth-password-env", "", "Environment variable holding the password")

	f.Bool("session-persistence", false, "Save the browser session after a successful login and reuse it")
	f.String("session-name", "default", "Name under which the session is stored")

	bindFlags := []struct {
		viperKey   string
		flagName   string
		persistent bool
	}{
		{"database_path", "database", true},
		{"secret_key_file", "secret-key-file", true},
		{"log_level", "log-level", true},
		{"log_file", "log-file", true},

		{"id", "id", false},
		{"name", "name", false},
		{"max_pages", "max-pages", false},
		{"max_depth", "max-depth", false},
		{"concurrent_requests", "concurrency", false},
		{"request_delay", "delay", false},
		{"navigation_timeout", "timeout", false},
		{"user_agent", "user-agent", false},
		{"respect_robots_txt", "respect-robots", false},
		{"follow_external", "follow-external", false},
		{"include_patterns", "include-patterns", false},
		{"exclude_patterns", "exclude-patterns", false},
		{"engine", "engine", false},
		{"browser_path", "browser-path", false},
		{"remote_url", "remote-url", false},
		{"auth.type", "auth-type", false},
		{"auth.login_url", "login-url", false},
		{"auth.username_selector", "username-selector", false},
		{"auth.password_selector", "password-selector", false},
		{"auth.submit_selector", "submit-selector", false},
		{"auth.success_selector", "success-selector", false},
		{"auth.credentials.username_env", "auth-username-env", false},
		{"auth.credentials.password_env", "auth-password-env", false},
		{"session_persistence", "session-persistence", false},
		{"session_name", "session-name", false},
	}

	for _, bind := range bindFlags {
		flags := f
		if bind.persistent {
			flags = pf
		}
		if err := viper.BindPFlag(bind.viperKey, flags.Lookup(bind.flagName)); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("discovery")
	}

	viper.AutomaticEnv() // read in environment variables that match
	viper.SetEnvPrefix("VPAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadSettings merges defaults, config file, environment and flags.
func loadSettings(cmd *cobra.Command, args []string) (*config.Settings, error) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	cfg := &settings.Crawler

	if len(args) > 0 {
		cfg.BaseURL = args[0]
	}

	if cmd.Flags().Lookup("header") != nil {
		lines, _ := cmd.Flags().GetStringSlice("header")
		headers, skipped := config.ParseHeaders(lines)
		for _, s := range skipped {
			fmt.Fprintf(os.Stderr, "Warning: ignoring malformed header %q\n", s)
		}
		if cfg.Headers == nil && len(headers) > 0 {
			cfg.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			cfg.Headers[k] = v
		}
	}

	if cfg.UserAgent == config.DefaultUserAgent && version != "" && version != "dev" {
		cfg.UserAgent = "VPATDiscovery/" + version
	}
	if cfg.ID == "" && cfg.BaseURL != "" {
		cfg.ID = crawlerIDFor(cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.BaseURL
	}
	return settings, nil
}

// crawlerIDFor derives a stable crawler ID so repeated CLI runs against the
// same site share history and sessions.
func crawlerIDFor(baseURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(baseURL)).String()
}

func showCurrentConfig(settings *config.Settings) error {
	if settings == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Validate configuration before showing it
	if err := settings.Crawler.Clone().Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	shown := *settings
	shown.Crawler = *settings.Crawler.Redacted()
	yamlData, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	// Add header comment to the output
	fmt.Printf("# Current discovery configuration\n")
	fmt.Printf("# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("# Configuration file search paths: ./discovery.yml\n")
	fmt.Printf("# Environment variables prefix: VPAT_\n\n")

	fmt.Print(string(yamlData))

	// Add footer with additional information
	fmt.Printf("\n# Configuration source priority:\n")
	fmt.Printf("# 1. Command-line arguments (highest priority)\n")
	fmt.Printf("# 2. Environment variables (VPAT_ prefix)\n")
	fmt.Printf("# 3. Configuration file (discovery.yml)\n")
	fmt.Printf("# 4. Default values (lowest priority)\n")

	return nil
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd, args)
	if err != nil {
		return err
	}

	// Handle --show-config: display current configuration and exit
	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(settings)
	}

	cfg := &settings.Crawler
	if cfg.BaseURL == "" {
		return fmt.Errorf("no base URL provided\nUsage: %s", cmd.UseLine())
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := openApp(settings)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.store.SaveCrawler(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save crawler: %w", err)
	}
	if saveOnly, _ := cmd.Flags().GetBool("save-only"); saveOnly {
		fmt.Printf("Saved crawler %s (%s)\n", cfg.ID, cfg.BaseURL)
		return nil
	}

	fmt.Printf("Starting discovery with configuration:\n")
	fmt.Printf("  Crawler: %s\n", cfg.ID)
	fmt.Printf("  Base URL: %s\n", cfg.BaseURL)
	fmt.Printf("  Max Pages: %d\n", cfg.MaxPages)
	fmt.Printf("  Max Depth: %d\n", cfg.MaxDepth)
	fmt.Printf("  Concurrency: %d\n", cfg.ConcurrentRequests)
	fmt.Printf("  Request Delay: %v\n", cfg.RequestDelay)
	fmt.Printf("  Engine: %s\n", cfg.Engine)
	fmt.Printf("  Database: %s\n", settings.DatabasePath)
	fmt.Printf("  Respect Robots: %t\n", cfg.RespectRobotsTxt)
	fmt.Printf("  Authentication: %s\n", cfg.Auth.Type)

	run, err := a.coordinator().Run(ctx, cfg)
	if err != nil {
		return err
	}
	printRunSummary(run)
	if run.Status == crawler.StatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func printRunSummary(run *crawler.CrawlRun) {
	fmt.Printf("\nRun %s %s in %v\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	fmt.Printf("  Pages discovered: %d\n", run.PagesDiscovered)
	fmt.Printf("  Pages crawled: %d\n", run.PagesCrawled)
	fmt.Printf("  Pages failed: %d\n", run.PagesFailed)
	fmt.Printf("  Skipped by robots.txt: %d\n", run.PagesSkipped)
	if run.AuthOutcome != "" {
		fmt.Printf("  Authentication: %s\n", run.AuthOutcome)
	}
	for _, e := range run.Errors {
		fmt.Printf("  Error: %s\n", e)
	}
}
