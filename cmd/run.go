package cmd

import (
	"fmt"

	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/scenario"
	"github.com/bnema/xigrab/internal/ui"
	"github.com/spf13/cobra"
)

var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>...",
	Short: "Run scripted scenarios against an in-process core",
	Long: `Run one or more scenario files. Each scenario gets a fresh core seeded with
its own devices and windows; steps issue requests and inject events, and
expect blocks check what was delivered. Deliveries are printed as they happen
unless --quiet is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0

		for _, path := range args {
			sc, err := scenario.Load(path)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, ui.SubheaderStyle.Render(sc.Name))
			var onDeliver func(router.Delivery)
			if !runQuiet {
				onDeliver = func(d router.Delivery) {
					fmt.Fprintln(out, ui.SubtleStyle.Render(fmt.Sprintf("  -> client %d on 0x%x grabbed=%v %s",
						d.Client, uint32(d.Window), d.Grabbed, d.Event)))
				}
			}

			res, err := scenario.Run(sc, onDeliver)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, f := range res.Failures {
				fmt.Fprintln(out, "  "+ui.ErrorStyle.Render(f.String()))
			}
			fmt.Fprintln(out, ui.FormatResult(res.Passed(),
				fmt.Sprintf("%s: %d steps, %d deliveries", sc.Name, res.Steps, len(res.Deliveries))))
			if !res.Passed() {
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d scenario(s) failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print results")
	rootCmd.AddCommand(runCmd)
}
