package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of every configured provider",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context(), "models")
		if err != nil {
			return err
		}
		defer env.Close()

		models := env.Engine.ListModels()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), models)
		}

		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROVIDER\tMODEL")
		for _, name := range names {
			for _, m := range models[name] {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", name, m)
			}
		}
		return w.Flush()
	},
}

func init() {
	modelsCmd.Flags().Bool("json", false, "print the models as JSON")
	rootCmd.AddCommand(modelsCmd)
}
