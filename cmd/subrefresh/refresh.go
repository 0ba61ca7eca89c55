package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"subrefresh/pkg/api"
	"subrefresh/pkg/model"
)

type siteReport struct {
	Site  string `yaml:"site"`
	URL   string `yaml:"url,omitempty"`
	Nodes int    `yaml:"nodes,omitempty"`
	Error string `yaml:"error,omitempty"`
}

func newRefreshCommand() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh subscription links for one site or all configured sites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Sites) == 0 {
				return errors.New("no sites configured")
			}
			svc, err := api.NewService(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer svc.Close()

			if site != "" {
				out, err := svc.Refresh(cmd.Context(), model.SiteID(site))
				if err != nil {
					return err
				}
				return printYAML(siteReport{Site: site, URL: out.URL, Nodes: out.Validation.NodeCount})
			}

			results, err := svc.RefreshAll(cmd.Context())
			reports := make([]siteReport, 0, len(results))
			failed := 0
			for _, r := range results {
				rep := siteReport{Site: string(r.Site), URL: r.Outcome.URL, Nodes: r.Outcome.Validation.NodeCount}
				if r.Err != nil {
					rep = siteReport{Site: string(r.Site), Error: r.Err.Error()}
					failed++
				}
				reports = append(reports, rep)
			}
			if perr := printYAML(reports); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sites failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&site, "site", "s", "", "refresh only the site with this id")
	return cmd
}
