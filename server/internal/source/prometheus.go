package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/config"
)

const defaultScrapeTimeout = 10 * time.Second

// promSource scrapes a Prometheus text exposition endpoint.
type promSource struct {
	cfg    config.Source
	client *http.Client
	now    func() time.Time
}

func newPromSource(cfg config.Source) *promSource {
	timeout := defaultScrapeTimeout
	if cfg.Interval > 0 && cfg.Interval < timeout {
		timeout = cfg.Interval
	}
	return &promSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (p *promSource) ID() string { return p.cfg.ID }

// Run scrapes immediately and then every interval until ctx is cancelled.
// Scrape failures are logged and the next tick tries again.
func (p *promSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	slog.Info("source: prometheus scraping", "source", p.cfg.ID,
		"endpoint", p.cfg.Endpoint, "interval", p.cfg.Interval)

	for {
		if err := p.scrapeOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("source: prometheus scrape failed", "source", p.cfg.ID, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *promSource) scrapeOnce(ctx context.Context, sink Sink) error {
	samples, err := p.Scrape(ctx)
	if err != nil {
		return err
	}
	var rejected int
	for _, s := range samples {
		if err := sink(ctx, s); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rejected++
		}
	}
	if rejected > 0 {
		slog.Warn("source: samples rejected by pipeline", "source", p.cfg.ID, "count", rejected)
	}
	return nil
}

// Scrape fetches the endpoint once and returns its samples.
func (p *promSource) Scrape(ctx context.Context) ([]types.MetricSample, error) {
	mfs, err := fetchMetrics(ctx, p.client, p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("prometheus scrape %q: %w", p.cfg.ID, err)
	}
	return familiesToSamples(mfs, p.now().UTC(), p.cfg.Labels), nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// familiesToSamples flattens metric families into samples stamped with
// scrapedAt unless the exposition carries its own timestamp.
func familiesToSamples(mfs map[string]*dto.MetricFamily, scrapedAt time.Time, static map[string]string) []types.MetricSample {
	var out []types.MetricSample
	for name, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := make(types.Labels, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			labels = withLabels(labels, static)

			ts := scrapedAt
			if m.TimestampMs != nil {
				ts = time.UnixMilli(m.GetTimestampMs()).UTC()
			}

			add := func(id string, v float64) {
				out = append(out, types.MetricSample{MetricID: id, Labels: labels, Timestamp: ts, Value: v})
			}
			switch {
			case m.Counter != nil:
				add(name, m.Counter.GetValue())
			case m.Gauge != nil:
				add(name, m.Gauge.GetValue())
			case m.Untyped != nil:
				add(name, m.Untyped.GetValue())
			case m.Histogram != nil:
				add(name+"_sum", m.Histogram.GetSampleSum())
				add(name+"_count", float64(m.Histogram.GetSampleCount()))
			case m.Summary != nil:
				add(name+"_sum", m.Summary.GetSampleSum())
				add(name+"_count", float64(m.Summary.GetSampleCount()))
			}
		}
	}
	return out
}
