package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"streamcheck/internal/scenario"
)

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIGNED\tENCRYPTION\tROTATE\tREVOKE\tLATE JOINERS")
			for _, s := range scenario.Catalog() {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
					s.Name(), s.Signing, s.Encryption, every(s.RotateEvery), every(s.RevokeEvery), s.Grouping)
			}
			_ = w.Flush()
		},
	}
}

func every(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("every %d", n)
}
