package main

import (
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var interestingMetrics = []string{
	"swarmpeer_blocks_owned",
	"swarmpeer_blocks_total",
	"swarmpeer_peers_connected",
	"swarmpeer_unchoke_set_size",
	"swarmpeer_bytes_downloaded_total",
	"swarmpeer_bytes_uploaded_total",
	"swarmpeer_bad_hash_blocks_total",
	"swarmpeer_tracker_errors_total",
}

func newStatusCmd() *cobra.Command {
	var metricsURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running peer's progress and health from its /metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(metricsURL)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", metricsURL, err)
			}
			defer resp.Body.Close()

			var parser expfmt.TextParser
			families, err := parser.TextToMetricFamilies(resp.Body)
			if err != nil {
				return fmt.Errorf("parse metrics: %w", err)
			}

			bold := color.New(color.Bold)
			for _, name := range interestingMetrics {
				fam, ok := families[name]
				if !ok || len(fam.Metric) == 0 {
					continue
				}
				m := fam.Metric[0]
				var value float64
				switch {
				case m.Gauge != nil:
					value = m.Gauge.GetValue()
				case m.Counter != nil:
					value = m.Counter.GetValue()
				}
				bold.Printf("%-38s", name)
				fmt.Printf("%v\n", value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsURL, "metrics-url", "http://127.0.0.1:9090/metrics", "peer's metrics endpoint")
	return cmd
}
