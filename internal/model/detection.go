package model

import "image"

// Detection is a single object found by the detector.
type Detection struct {
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// AnalysisReport summarizes one detection pass.
type AnalysisReport struct {
	TotalObjects int            `json:"total_objects" msgpack:"total_objects"`
	ClassCounts  map[string]int `json:"class_counts" msgpack:"class_counts"`
}

// NewReport counts detections per label. TotalObjects always equals the sum
// of ClassCounts.
func NewReport(detections []Detection) AnalysisReport {
	report := AnalysisReport{ClassCounts: make(map[string]int)}
	for _, d := range detections {
		report.ClassCounts[d.Label]++
		report.TotalObjects++
	}
	return report
}
