// Package cmd provides the command-line interface for PageAudit.
// It handles command parsing, configuration loading, and audit execution.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/pageaudit/internal/config"
)

const defaultUserAgent = "PageAudit/1.0"

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pageaudit [seed-url]",
	Short: "A polite crawler that audits every page of a site",
	Long: `PageAudit crawls a site breadth-first from a seed URL and audits every
internal page for SEO, accessibility, responsiveness, content, security and
performance issues.

Results are appended to a CSV report and/or stored in SQLite. Pages can be
fetched over plain HTTP or rendered in headless Chrome.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.DefaultConfig()

	// Configuration file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pageaudit.yml)")
	rootCmd.PersistentFlags().StringP("database", "d", defaults.DatabasePath, "Path to SQLite database file (empty = none)")

	// Configuration management flags
	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	// Crawl flags
	rootCmd.Flags().IntP("concurrency", "c", defaults.Concurrency, "Maximum fetches in flight")
	rootCmd.Flags().IntP("batch-size", "b", defaults.BatchSize, "URLs dequeued per batch")
	rootCmd.Flags().Duration("crawl-timeout", defaults.CrawlTimeout, "Wall-clock limit for the whole crawl (0 = none)")
	rootCmd.Flags().Duration("shutdown-grace", defaults.ShutdownGrace, "Time in-flight fetches get after the crawl timeout")
	rootCmd.Flags().IntP("limit", "l", defaults.Limit, "Stop after N pages (0=unlimited)")
	rootCmd.Flags().DurationP("timeout", "t", defaults.RequestTimeout, "Per-page fetch timeout")
	rootCmd.Flags().DurationP("delay", "r", defaults.RequestDelay, "Minimum delay between requests to one host")
	rootCmd.Flags().StringP("user-agent", "u", defaults.UserAgent, "HTTP User-Agent header")
	rootCmd.Flags().Bool("ignore-robots", defaults.IgnoreRobots, "Ignore robots.txt rules")
	rootCmd.Flags().Int64("max-body-bytes", defaults.MaxBodyBytes, "Response body cap in bytes")
	rootCmd.Flags().Duration("progress-interval", defaults.ProgressInterval, "Progress log period (0 = off)")

	// Fetcher flags
	rootCmd.Flags().String("fetcher", defaults.Fetcher, "Fetch mechanism: 'http' or 'browser'")
	rootCmd.Flags().String("chrome-path", defaults.Browser.ExecPath, "Chrome/Chromium binary for the browser fetcher")
	rootCmd.Flags().Duration("settle-timeout", defaults.Browser.SettleTimeout, "Browser wait for the page to finish loading")

	// URL handling flags
	rootCmd.Flags().String("scope", defaults.Normalize.Scope, "Internal link scope: 'host' or 'domain'")
	rootCmd.Flags().Bool("keep-query", !defaults.Normalize.StripQuery, "Treat URLs with different query strings as different pages")
	rootCmd.Flags().StringSlice("include-patterns", []string{}, "Regex patterns for URLs to include")
	rootCmd.Flags().StringSlice("exclude-patterns", []string{}, "Regex patterns for URLs to exclude")

	// Audit flags
	rootCmd.Flags().StringSlice("checks", defaults.Checks, "Checks to run ('all' or a list)")
	rootCmd.Flags().Int("image-probe-limit", defaults.ImageProbeLimit, "Images probed per page")
	rootCmd.Flags().Duration("slow-ttfb", defaults.SlowTTFB, "Time to first byte reported as slow")

	// Output flags
	rootCmd.Flags().Int("flush-threshold", defaults.FlushThreshold, "Records buffered before they are written")
	rootCmd.Flags().StringP("report", "o", defaults.ReportPath, "CSV report path (empty = none)")
	rootCmd.Flags().String("report-layout", defaults.ReportLayout, "CSV layout: 'page' or 'issue'")
	rootCmd.Flags().String("log-level", defaults.Log.Level, "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-file", defaults.Log.File, "Also write logs to this file (rotated)")

	// Authentication type flag
	rootCmd.Flags().String("auth-type", "", "Authentication type: 'basic', 'bearer', or 'api-key'")

	// Basic authentication flags
	rootCmd.Flags().String("auth-username", "", "Username for basic authentication")
	rootCmd.Flags().String("auth-password", "", "Password for basic authentication")

	// Bearer authentication flags
	rootCmd.Flags().String("auth-token", "", "Bearer token for authorization header")

	// API Key authentication flags
	rootCmd.Flags().String("auth-header", "", "API key header name (e.g., X-API-Key)")
	rootCmd.Flags().String("auth-value", "", "API key header value")

	// HTTP Headers flags
	rootCmd.Flags().StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"concurrency", "concurrency"},
		{"batch_size", "batch-size"},
		{"crawl_timeout", "crawl-timeout"},
		{"shutdown_grace", "shutdown-grace"},
		{"limit", "limit"},
		{"request_timeout", "timeout"},
		{"request_delay", "delay"},
		{"user_agent", "user-agent"},
		{"ignore_robots", "ignore-robots"},
		{"max_body_bytes", "max-body-bytes"},
		{"progress_interval", "progress-interval"},
		{"fetcher", "fetcher"},
		{"browser.exec_path", "chrome-path"},
		{"browser.settle_timeout", "settle-timeout"},
		{"normalize.scope", "scope"},
		{"include_patterns", "include-patterns"},
		{"exclude_patterns", "exclude-patterns"},
		{"checks", "checks"},
		{"image_probe_limit", "image-probe-limit"},
		{"slow_ttfb", "slow-ttfb"},
		{"flush_threshold", "flush-threshold"},
		{"report_path", "report"},
		{"report_layout", "report-layout"},
		{"log.level", "log-level"},
		{"log.file", "log-file"},
		{"headers", "header"},
		{"auth.type", "auth-type"},
		{"auth.basic.username", "auth-username"},
		{"auth.basic.password", "auth-password"},
		{"auth.bearer.token", "auth-token"},
		{"auth.apikey.header", "auth-header"},
		{"auth.apikey.value", "auth-value"},
	}

	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.Flags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
	if err := viper.BindPFlag("database_path", rootCmd.PersistentFlags().Lookup("database")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind flag database: %v\n", err)
	}

	rootCmd.AddCommand(summaryCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("pageaudit")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("PageAudit/%s", version)
	}
	return "PageAudit/dev"
}

// loadConfig merges defaults, config file, environment and flags.
func loadConfig(cmd *cobra.Command, args []string) (*config.AuditConfig, error) {
	cfg := config.DefaultConfig()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(args) > 0 {
		cfg.SeedURL = args[0]
	}

	if f := cmd.Flags().Lookup("keep-query"); f != nil && f.Changed {
		keep, _ := cmd.Flags().GetBool("keep-query")
		cfg.Normalize.StripQuery = !keep
	}

	if f := cmd.Flags().Lookup("user-agent"); (f == nil || !f.Changed) && cfg.UserAgent == defaultUserAgent {
		cfg.UserAgent = generateUserAgent()
	}

	return cfg, nil
}

func showCurrentConfig(cfg *config.AuditConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Printf("# Current PageAudit Configuration\n")
	fmt.Printf("# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("# Configuration file search paths: ./pageaudit.yml\n")
	fmt.Printf("# Environment variables prefix: PA_\n\n")

	fmt.Print(string(yamlData))

	fmt.Printf("\n# Configuration source priority:\n")
	fmt.Printf("# 1. Command-line arguments (highest priority)\n")
	fmt.Printf("# 2. Environment variables (PA_ prefix)\n")
	fmt.Printf("# 3. Configuration file (pageaudit.yml)\n")
	fmt.Printf("# 4. Default values (lowest priority)\n")

	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(cfg)
	}

	if cfg.SeedURL == "" {
		return fmt.Errorf("%w\nUsage: %s [seed-url] [flags]", config.ErrNoSeedURL, cmd.CommandPath())
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = closeLog.Close() }()

	summary, err := runPipeline(cmd.Context(), cfg)
	printSummary(cmd.OutOrStdout(), summary)
	return err
}
