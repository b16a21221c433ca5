package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bookagg/internal/aggregate"
	"github.com/sawpanic/bookagg/internal/engine"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/microstructure"
	"github.com/sawpanic/bookagg/internal/registry"
	"github.com/sawpanic/bookagg/internal/selector"
	"github.com/sawpanic/bookagg/internal/stream"
)

// replayReport is printed as JSON on stdout.
type replayReport struct {
	Frames    int                             `json:"frames"`
	Applied   int                             `json:"applied"`
	Drops     map[string]float64              `json:"drops"`
	Exchanges map[string]microstructure.Stats `json:"exchanges"`
	Aggregate engine.View                     `json:"aggregate"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	market, _ := cmd.Flags().GetString("market")

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open frames: %w", err)
	}
	defer f.Close()

	m := metrics.New(prometheus.NewRegistry())
	reg := registry.New(registry.WithLivenessWindow(cfg.Registry.LivenessWindow()))
	client := stream.NewClient(streamConfig(cfg.Stream), reg, m)

	report, err := replay(f, client)
	if err != nil {
		return err
	}

	sel, err := selector.New(cfg.Markets)
	if err != nil {
		return err
	}
	tick, err := cfg.Aggregate.TickSize()
	if err != nil {
		return err
	}
	eng, err := engine.New(reg, sel, m, aggregate.Options{Tick: tick})
	if err != nil {
		return err
	}
	report.Aggregate, err = eng.AggregateMarket(selector.MarketFilter(market), eng.Defaults())
	if err != nil {
		return err
	}
	report.Drops = m.DropTotals()
	report.Exchanges = make(map[string]microstructure.Stats)
	for id, b := range reg.Snapshot().Books() {
		report.Exchanges[id] = microstructure.Compute(b)
	}

	log.Info().Int("frames", report.Frames).Int("applied", report.Applied).Msg("Replay complete")

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// replay feeds every non-empty line of r through the client. Frame errors
// are counted, not returned.
func replay(r io.Reader, client *stream.Client) (replayReport, error) {
	var rep replayReport
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rep.Frames++
		if err := client.HandleMessage(line); err == nil {
			rep.Applied++
		}
	}
	if err := sc.Err(); err != nil {
		return rep, fmt.Errorf("failed to read frames: %w", err)
	}
	return rep, nil
}
