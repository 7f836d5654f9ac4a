package types

// DetectionResult matches the JSON object the Python detector writes back for one frame.
type DetectionResult struct {
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"` // [x, y, width, height], normalized
}

// ReadyResult is the handshake the Python detector sends once its model is loaded.
type ReadyResult struct {
	Ready bool   `json:"ready"`
	Model string `json:"model"`
}

