package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the collector's registry for scraping. OpenMetrics is
// negotiated when the scraper asks for it, and scrapes of the handler are
// themselves counted under promhttp_metric_handler_*. A nil collector
// serves 404.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	// A failing collector drops its own series; the rest of the scrape
	// still goes out.
	opts := promhttp.HandlerOpts{
		Registry:          c.registry,
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}
	return promhttp.InstrumentMetricHandler(c.registry, promhttp.HandlerFor(c.registry, opts))
}
