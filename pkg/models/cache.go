package models

// CacheStats reports cache occupancy and performance counters.
type CacheStats struct {
	Size           int     `json:"size"`
	Capacity       int     `json:"capacity"`
	Compressed     int     `json:"compressed"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Evictions      int64   `json:"evictions"`
	Expirations    int64   `json:"expirations"`
	DecodeFailures int64   `json:"decode_failures"`
}
