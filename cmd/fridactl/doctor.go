package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/fridactl/internal/privsh"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			pretty := term.IsTerminal(int(os.Stdout.Fd()))
			report := func(key string, ok bool, detail string) {
				if pretty {
					mark := "ok"
					if !ok {
						mark = "FAIL"
					}
					fmt.Fprintf(out, "%-22s %-4s %s\n", key, mark, detail)
					return
				}
				fmt.Fprintf(out, "%s=%t detail=%s\n", key, ok, detail)
			}

			suPath, err := exec.LookPath(root.cfg.SuCommand)
			report("su_on_path", err == nil, suPath)

			elevated := privsh.ElevationAvailable(cmd.Context(), root.cfg.SuCommand, root.logger)
			report("elevation", elevated, "uid=0 identity probe")

			releases, err := root.catalog().List(cmd.Context())
			switch {
			case err != nil:
				report("release_feed", false, err.Error())
			case len(releases) == 0:
				report("release_feed", false, "reachable but no qualifying releases")
			default:
				report("release_feed", true, fmt.Sprintf("%d releases, newest %s", len(releases), releases[0].Tag))
			}

			fmt.Fprintf(out, "server_path=%s\n", root.cfg.ServerPath)
			fmt.Fprintf(out, "version_path=%s\n", root.cfg.VersionPath)
			fmt.Fprintf(out, "repo=%s\n", root.cfg.Repo)
			return nil
		},
	}
}
