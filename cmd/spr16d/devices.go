package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chronologos/spr16/internal/input"
)

func newDevicesCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List input devices, their role scores and the selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := setup(*gf)
			if err != nil {
				return err
			}
			defer closer.Close()

			dir := cfg.Input.Dir
			if dir == "" {
				dir = input.DefaultDir
			}
			cands, err := input.Scan(dir, log)
			if err != nil {
				return err
			}
			chosen := input.Select(cands, overrides(cfg.Input))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tNAME\tKEYBOARD\tMOUSE\tTOUCH\tSELECTED")
			for _, c := range cands {
				var cols []string
				for _, role := range input.Roles {
					if s, ok := c.Scores[role]; ok {
						cols = append(cols, fmt.Sprint(s))
					} else {
						cols = append(cols, "-")
					}
				}
				var roles []string
				for _, role := range input.Roles {
					if sel, ok := chosen[role]; ok && sel.Path == c.Path {
						roles = append(roles, role.String())
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Path, c.Caps.Name,
					strings.Join(cols, "\t"), strings.Join(roles, ","))
			}
			return w.Flush()
		},
	}
}
