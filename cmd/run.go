package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visibility-engine/internal/model"
)

var (
	runBrands  []string
	runPrompts []string
	runModels  []string
	runNotes   string
	runFile    string
	runWait    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a visibility run",
	Long: "Creates a run from flags or a YAML request file. An identical active run is reused. " +
		"The command always finishes the run before exiting; --wait=false prints the accepted run right away " +
		"instead of the finished detail.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := buildRunRequest(runFile)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		run, created, err := env.Engine.CreateRun(ctx, req)
		if err != nil {
			if run != nil {
				_ = writeJSON(cmd.OutOrStdout(), run)
			}
			return eris.Wrap(err, "create run")
		}

		zap.L().Info("run accepted",
			zap.String("run_id", run.ID),
			zap.Bool("created", created),
			zap.String("status", string(run.Status)),
		)

		if !runWait {
			return writeJSON(cmd.OutOrStdout(), run)
		}

		env.Engine.Wait()
		detail, err := env.Engine.GetRun(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "load run")
		}
		return writeJSON(cmd.OutOrStdout(), detail)
	},
}

// buildRunRequest reads the optional request file and appends flag values.
func buildRunRequest(path string) (model.CreateRunRequest, error) {
	var req model.CreateRunRequest
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, eris.Wrap(err, "read request file")
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, eris.Wrap(err, "parse request file")
		}
	}
	req.Brands = append(req.Brands, runBrands...)
	req.Prompts = append(req.Prompts, runPrompts...)
	req.Models = append(req.Models, runModels...)
	if runNotes != "" {
		req.Notes = runNotes
	}
	return req, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringArrayVarP(&runBrands, "brand", "b", nil, "brand to track (repeatable)")
	runCmd.Flags().StringArrayVarP(&runPrompts, "prompt", "p", nil, "prompt text (repeatable)")
	runCmd.Flags().StringSliceVarP(&runModels, "model", "m", nil, "model identifier (repeatable, default mock-model)")
	runCmd.Flags().StringVar(&runNotes, "notes", "", "free-form run notes")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "YAML file with brands, prompts, models and notes")
	runCmd.Flags().BoolVar(&runWait, "wait", true, "print the finished run detail instead of the accepted run")
	rootCmd.AddCommand(runCmd)
}
