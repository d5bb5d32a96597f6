package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyward/internal/keygen"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Built     string `json:"built"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	KeyTag    string `json:"key_tag"`
}

// collectBuildInfo fills in the commit from the embedded VCS stamp when the
// binary was built without ldflags.
func collectBuildInfo(version, commit, date string) buildInfo {
	info := buildInfo{
		Version:   version,
		Commit:    commit,
		Built:     date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		KeyTag:    keygen.DefaultTag,
	}
	if info.Commit == "" || info.Commit == "none" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					info.Commit = s.Value
				}
			}
		}
	}
	return info
}

func (b buildInfo) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "keyward\t%s\n", b.Version)
	fmt.Fprintf(tw, "commit\t%s\n", b.Commit)
	fmt.Fprintf(tw, "built\t%s\n", b.Built)
	fmt.Fprintf(tw, "go\t%s\n", b.GoVersion)
	fmt.Fprintf(tw, "platform\t%s\n", b.Platform)
	fmt.Fprintf(tw, "key tag\t%s_\n", b.KeyTag)
	return tw.Flush()
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := collectBuildInfo(version, commit, date)
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			return info.writeText(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output build info as JSON")

	return cmd
}
