package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			format, _ := cmd.Flags().GetString("diagram")
			if err := runValidate(cmd, cfg, args[0], asJSON); err != nil {
				return err
			}
			if format == "" {
				return nil
			}
			return printDiagram(cmd, args[0], format)
		},
	}
	cmd.Flags().Bool("json", false, "print the validation result as JSON")
	cmd.Flags().String("diagram", "", "also draw the workflow: mermaid or ascii")
	return cmd
}

func runValidate(cmd *cobra.Command, cfg Config, path string, asJSON bool) error {
	c, err := newComponents(cfg)
	if err != nil {
		return err
	}
	def, err := workflows.NewLoader().LoadFile(path)
	if err != nil {
		return err
	}

	reg := workflows.NewRegistry(c.validator, c.actions, nil)
	result, regErr := reg.Register(def, path)
	if result == nil {
		result = &schema.ValidationResult{}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			WorkflowID string `json:"workflow_id"`
			Valid      bool   `json:"valid"`
			*schema.ValidationResult
		}{def.ID, regErr == nil, result}); err != nil {
			return err
		}
		return regErr
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	if regErr != nil {
		return fmt.Errorf("%s is invalid: %w", path, regErr)
	}
	wf, _ := reg.Workflow(def.ID)
	fmt.Fprintf(out, "%s: workflow %q is valid (%d steps)\n", path, def.ID, len(wf.Steps))
	return nil
}

func printDiagram(cmd *cobra.Command, path, format string) error {
	f, err := diagram.ParseFormat(format)
	if err != nil {
		return err
	}
	if f != diagram.FormatMermaid && f != diagram.FormatASCII {
		return fmt.Errorf("diagram format %q is not printable; use mermaid or ascii", f)
	}
	def, err := workflows.NewLoader().LoadFile(path)
	if err != nil {
		return err
	}
	model, err := diagram.FromWorkflow(workflows.Compile(def))
	if err != nil {
		return err
	}
	body, err := diagram.Render(cmd.Context(), model, f)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}
