package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"subrefresh/internal/validator"
	"subrefresh/pkg/model"
)

type validationReport struct {
	Valid bool   `yaml:"valid"`
	Nodes int    `yaml:"nodes"`
	Error string `yaml:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate [url]",
		Short: "Fetch a subscription link (or read a local file) and count its nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res model.ValidationResult
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				res = validator.Inspect(data)
			case len(args) == 1:
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				v := validator.New(validator.Config{Timeout: cfg.Pipeline.ValidateTimeout, Logger: newLogger(cfg)})
				res = v.Validate(cmd.Context(), args[0])
			default:
				return fmt.Errorf("pass a url or --file")
			}
			if err := printYAML(validationReport{Valid: res.Valid, Nodes: res.NodeCount, Error: res.Error}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("subscription is not usable")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "validate a subscription body saved on disk")
	return cmd
}
