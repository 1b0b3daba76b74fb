package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rpattn/surveyingest/internal/tabular"

	"github.com/spf13/cobra"
)

func newTemplateCommand(stdout, stderr io.Writer) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write the blank upload workbook.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := tabular.EncodeWorkbook(tabular.TemplateHeader, nil)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = stdout.Write(payload)
				return err
			}
			if err := os.WriteFile(out, payload, 0o644); err != nil {
				return fmt.Errorf("failed to write template: %w", err)
			}
			_, err = fmt.Fprintf(stdout, "wrote %s\n", out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "survey_upload_template.xlsx", "Destination file, or - for stdout.")
	return cmd
}
