package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge := func(name, help string, v int64) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
	}
	labelled := func(name, kind, help, label string, m map[string]int64) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
		for _, k := range sortedKeys(m) {
			fmt.Fprintf(&sb, "%s{%s=%q} %d\n", name, label, k, m[k])
		}
		sb.WriteString("\n")
	}

	gauge("chatd_uptime_seconds", "Time since chatd started", snap.Uptime)

	labelled("chatd_requests_total", "counter", "Total number of requests by route", "route", snap.Requests)
	labelled("chatd_request_errors_total", "counter", "Requests answered with a 5xx status by route", "route", snap.RequestErrors)
	gauge("chatd_requests_in_progress", "Current number of requests being processed", snap.RequestsInProgress)
	labelled("chatd_request_duration_ms_total", "counter", "Total request duration in milliseconds", "route", snap.RequestDurationMs)

	counter("chatd_rate_limit_hits_total", "Total number of rate limit rejections", snap.RateLimitHits)
	masked := make(map[string]int64, len(snap.RateLimitByUser))
	for user, n := range snap.RateLimitByUser {
		masked[maskUserID(user)] += n
	}
	labelled("chatd_rate_limit_by_user_total", "counter", "Rate limit hits by user", "user", masked)

	gauge("chatd_active_streams", "Generations currently streaming", snap.ActiveStreams)
	counter("chatd_streams_started_total", "Generations started", snap.StreamsStarted)
	labelled("chatd_streams_ended_total", "counter", "Generations ended by status", "status", snap.StreamsEnded)
	counter("chatd_stream_duration_ms_total", "Total generation time in milliseconds", snap.StreamDurationMs)
	counter("chatd_stream_chars_total", "Characters streamed to subscribers", snap.StreamChars)
	counter("chatd_subscribers_dropped_total", "Subscribers removed after a failed send", snap.SubscribersDropped)

	sb.WriteString("# HELP chatd_generations_total Generations by provider and outcome\n")
	sb.WriteString("# TYPE chatd_generations_total counter\n")
	for _, key := range sortedKeys(snap.Generations) {
		providerName, status, _ := strings.Cut(key, "|")
		fmt.Fprintf(&sb, "chatd_generations_total{provider=%q,status=%q} %d\n", providerName, status, snap.Generations[key])
	}
	sb.WriteString("\n")

	counter("chatd_persist_failed_total", "Conversation checkpoints that failed to persist", snap.PersistFailed)

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	return "user_***" + userID[len(userID)-4:]
}
