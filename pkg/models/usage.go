package models

// UsageStat counts how often a model was selected for a task type and tier.
type UsageStat struct {
	Model    string `json:"model"`
	TaskType string `json:"task_type"`
	Tier     string `json:"tier"`
	Count    int64  `json:"count"`
}

// CallStats counts optimizer calls by how they were served.
type CallStats struct {
	Hits      int64 `json:"hits"`
	Generated int64 `json:"generated"`
	Planned   int64 `json:"planned"`
	Errors    int64 `json:"errors"`
}

// OptimizerStats is a point-in-time snapshot of the optimizer state.
type OptimizerStats struct {
	Cache CacheStats  `json:"cache"`
	Calls CallStats   `json:"calls"`
	Usage []UsageStat `json:"usage"`
}
