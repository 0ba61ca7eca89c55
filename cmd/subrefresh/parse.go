package main

import (
	"github.com/spf13/cobra"

	"subrefresh/internal/resolver"
)

func newParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <url>",
		Short: "Split a subscription link into its components",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := resolver.Parse(args[0])
			if err != nil {
				return err
			}
			return printYAML(c)
		},
	}
}
