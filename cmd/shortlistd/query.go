package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/shortlist/internal/config"
	"github.com/knoguchi/shortlist/internal/retrieval"
	"github.com/knoguchi/shortlist/internal/service"
)

func newQueryCmd() *cobra.Command {
	var (
		k       int
		user    string
		route   string
		deep    bool
		useDocs int
		perNote int
	)

	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Run the pipeline once and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeQuietly(a)

			qc := service.QueryContext{UserID: user, RouteSymbol: route, Depth: service.DepthNormal}
			if deep {
				qc.Depth = service.DepthDeep
			}
			filters := retrieval.Filters{}
			if useDocs > 0 {
				filters[service.FilterUseDocs] = useDocs
			}
			if perNote > 0 {
				filters[service.FilterPerNoteChars] = perNote
			}

			res, err := a.pipeline.Run(cmd.Context(), strings.Join(args, " "), qc, k, filters)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 0, "retrieval depth (0 uses the configured ceiling)")
	cmd.Flags().StringVar(&user, "user", "cli", "user id recorded with the feedback event")
	cmd.Flags().StringVar(&route, "route", "", "route symbol recorded with the feedback event")
	cmd.Flags().BoolVar(&deep, "deep", false, "enable the refinement pass")
	cmd.Flags().IntVar(&useDocs, "use-docs", 0, "override the number of documents passed to synthesis")
	cmd.Flags().IntVar(&perNote, "per-note-chars", 0, "override the characters kept per document")
	return cmd
}
