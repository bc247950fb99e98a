package relay

import "expvar"

// metrics is published under "relay" on /debug/vars.
var metrics = expvar.NewMap("relay")

const (
	metricRequests       = "requests_total"
	metricActiveStreams  = "streams_active"
	metricUpstreamErrors = "upstream_errors_total"
	metricStreamErrors   = "stream_errors_total"
	metricBadRequests    = "bad_requests_total"
)
