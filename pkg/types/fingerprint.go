package types

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns the stable incident identity for identity + labels as a
// 16-character hex string.
func Fingerprint(identity string, labels Labels) string {
	d := xxhash.New()
	_, _ = d.WriteString(identity)
	for _, k := range labels.Keys() {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("\x01")
		_, _ = d.WriteString(labels[k])
	}
	s := strconv.FormatUint(d.Sum64(), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

// ShardOf maps key onto one of n shards. n must be positive.
func ShardOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// AnomalyIdentity is the incident identity used for detector-raised events.
func AnomalyIdentity(detectorName, metricID string) string {
	return "anomaly/" + detectorName + "/" + metricID
}
