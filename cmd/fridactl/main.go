package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/fridactl/internal/artifact"
	"github.com/antonkrylov/fridactl/internal/catalog"
	cliconfig "github.com/antonkrylov/fridactl/internal/cli/config"
	"github.com/antonkrylov/fridactl/internal/logging"
	"github.com/antonkrylov/fridactl/internal/privsh"
	"github.com/antonkrylov/fridactl/internal/server"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg      *cliconfig.Config
	logger   *slog.Logger
	closeLog func()
}

func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if r.verbose {
		level = slog.LevelDebug
	}
	logger, closeLog, err := logging.New(level, cfg.LogFile)
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.logger = logger
	r.closeLog = closeLog
	return nil
}

func (r *rootOptions) session() *privsh.Session {
	return privsh.New(privsh.Options{
		Command:        r.cfg.SuCommand,
		Args:           r.cfg.SuArgs,
		UsePTY:         r.cfg.UsePTY,
		CommandTimeout: r.cfg.CommandTimeout(),
		Logger:         r.logger,
	})
}

func (r *rootOptions) catalog() *catalog.Catalog {
	return catalog.New(catalog.Options{
		Repo:        r.cfg.Repo,
		APIBase:     r.cfg.APIBase,
		AssetPrefix: r.cfg.AssetPrefix,
		Timeout:     r.cfg.HTTPTimeout(),
		Logger:      r.logger,
	})
}

func (r *rootOptions) supervisor() *server.Supervisor {
	mgr := server.NewManager(server.Options{
		Session:     r.session(),
		ServerPath:  r.cfg.ServerPath,
		VersionPath: r.cfg.VersionPath,
		BinaryName:  r.cfg.BinaryName,
		Settle:      r.cfg.Settle(),
		Logger:      r.logger,
	})
	fetcher := artifact.New(artifact.Options{
		BinaryName: r.cfg.BinaryName,
		Timeout:    r.cfg.HTTPTimeout(),
		Logger:     r.logger,
	})
	return server.NewSupervisor(mgr, r.catalog(), fetcher, r.logger)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "fridactl",
		Short:         "Provision and supervise the frida agent server on a device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("FRIDACTL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to fridactl config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.prepare()
	}
	rootCmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if opts.closeLog != nil {
			opts.closeLog()
		}
	}

	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newReleasesCmd(opts))
	rootCmd.AddCommand(newResolveCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newInstallCmd(opts))
	rootCmd.AddCommand(newStartCmd(opts))
	rootCmd.AddCommand(newStopCmd(opts))
	rootCmd.AddCommand(newUninstallCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report installed version and running state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := root.supervisor()
			defer sup.Shutdown()
			sup.CheckStatus()
			if err := waitFor(sup, "status"); err != nil {
				return err
			}
			snap := sup.State()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "installed:\t%v\n", snap.Installed)
			if snap.Installed {
				fmt.Fprintf(w, "version:\t%s\n", snap.InstalledVersion)
			}
			fmt.Fprintf(w, "running:\t%v\n", snap.Running)
			return w.Flush()
		},
	}
}

func newReleasesCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List published agent server releases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			releases, err := root.catalog().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(releases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no releases available")
				return nil
			}
			if limit > 0 && len(releases) > limit {
				releases = releases[:limit]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tPUBLISHED\tASSETS")
			for _, rel := range releases {
				fmt.Fprintf(w, "%s\t%s\t%d\n", rel.Tag, rel.PublishedAt.Format("2006-01-02"), len(rel.Assets))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum releases to list")
	return cmd
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	var version, arch string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a version/architecture pair to an artifact URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if version == "" {
				return fmt.Errorf("--version is required")
			}
			url, err := root.catalog().ResolveURL(cmd.Context(), version, resolveArch(arch))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "release tag")
	cmd.Flags().StringVar(&arch, "arch", "", "device architecture (default: this host)")
	return cmd
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <version>",
		Short: "Check that a version exists in the release feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !root.catalog().ValidateVersion(cmd.Context(), args[0]) {
				return fmt.Errorf("version %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", args[0])
			return nil
		},
	}
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	var version, arch string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and install the agent server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := root.supervisor()
			defer sup.Shutdown()
			if version == "" {
				sup.LoadReleases()
				if err := waitFor(sup, "releases"); err != nil {
					return err
				}
				if sup.State().SelectedVersion == "" {
					return fmt.Errorf("release feed is empty; pass --version")
				}
			} else {
				sup.SetVersion(version)
			}
			sup.SetArch(resolveArch(arch))
			sup.DownloadInstall()
			if err := waitFor(sup, "install"); err != nil {
				return err
			}
			snap := sup.State()
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", snap.InstalledVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "release tag (default: newest)")
	cmd.Flags().StringVar(&arch, "arch", "", "device architecture (default: this host)")
	return cmd
}

func newStartCmd(root *rootOptions) *cobra.Command {
	var flags string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the installed agent server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := root.supervisor()
			defer sup.Shutdown()
			sup.Start(flags)
			if err := waitFor(sup, "start"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "running")
			return nil
		},
	}
	cmd.Flags().StringVar(&flags, "flags", "", "extra server flags, e.g. --listen=0.0.0.0:27042")
	return cmd
}

func newStopCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running agent server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := root.supervisor()
			defer sup.Shutdown()
			sup.Stop()
			if err := waitFor(sup, "stop"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
}

func newUninstallCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the agent server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup := root.supervisor()
			defer sup.Shutdown()
			sup.Uninstall()
			if err := waitFor(sup, "uninstall"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "uninstalled")
			return nil
		},
	}
}

// waitFor drains supervisor events until op completes, echoing progress.
func waitFor(sup *server.Supervisor, op string) error {
	for ev := range sup.Events() {
		if ev.Message != "" && !ev.Terminal {
			fmt.Fprintln(os.Stderr, ev.Message)
		}
		if ev.Op == op && ev.Terminal {
			return ev.Err
		}
	}
	return fmt.Errorf("supervisor closed before %s finished", op)
}

// resolveArch maps an explicit flag or this host's GOARCH to a device
// architecture token.
func resolveArch(flag string) catalog.Arch {
	if flag != "" {
		return catalog.ParseArch(flag)
	}
	switch runtime.GOARCH {
	case "arm64":
		return catalog.ArchARM64
	case "arm":
		return catalog.ArchARM
	case "amd64":
		return catalog.ArchX8664
	case "386":
		return catalog.ArchX86
	default:
		return catalog.ArchUnknown
	}
}
