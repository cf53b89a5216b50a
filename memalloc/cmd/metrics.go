// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cse330/memalloc/memalloc/cmd/util"
	"github.com/cse330/memalloc/memalloc/config"
	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	raw     bool
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print the metrics exported by --metric-server"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `-metric-server=<addr> metrics [flags] - prints one "name{labels} value" line per sample.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.raw, "raw", false, "print the exposition text as served.")
	f.DurationVar(&m.timeout, "timeout", defaultConnectTimeout, "HTTP request timeout.")
}

// fetchMetrics gets and parses the exposition served at addr.
func fetchMetrics(ctx context.Context, addr string, timeout time.Duration) ([]byte, map[string]*dto.MetricFamily, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/metrics", addr), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET %s: %s", req.URL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing metrics from %s: %w", req.URL, err)
	}
	return body, families, nil
}

// formatSamples renders every sample of families, sorted by name.
func formatSamples(families map[string]*dto.MetricFamily) []string {
	var lines []string
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				v = m.GetUntyped().GetValue()
			}
			line := name
			if len(labels) > 0 {
				line += "{" + strings.Join(labels, ",") + "}"
			}
			lines = append(lines, fmt.Sprintf("%s %g", line, v))
		}
	}
	sort.Strings(lines)
	return lines
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.MetricServer == "" {
		return util.Errorf("--metric-server is not set")
	}

	body, families, err := fetchMetrics(ctx, conf.MetricServer, m.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if m.raw {
		fmt.Print(string(body))
		return subcommands.ExitSuccess
	}
	for _, line := range formatSamples(families) {
		fmt.Println(line)
	}
	return subcommands.ExitSuccess
}
