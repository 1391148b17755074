package webhook

import "time"

// BatchPayload is the body posted to a batch webhook URL. batch_id lets the
// receiver deduplicate under at-least-once delivery.
type BatchPayload struct {
	BatchID   string       `json:"batch_id"`
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Results   BatchResults `json:"results"`
}

// BatchResults summarizes per-file outcomes inside a batch payload
type BatchResults struct {
	TotalFiles     int          `json:"total_files"`
	ProcessedFiles int          `json:"processed_files"`
	FailedFiles    int          `json:"failed_files"`
	Files          []FileResult `json:"files"`
}

// FileResult is one file's outcome. Error is non-null exactly when the file
// failed.
type FileResult struct {
	FileURL          string         `json:"file_url"`
	ProcessingStatus string         `json:"processing_status"`
	ExtractedData    map[string]any `json:"extracted_data,omitempty"`
	Error            *FileError     `json:"error"`
}

// FileError carries the classified failure for one file
type FileError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RequestPayload is the body posted to a single-request webhook URL
type RequestPayload struct {
	RequestID string         `json:"request_id"`
	FileURL   string         `json:"file_url"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Results   map[string]any `json:"results,omitempty"`
	Error     *FileError     `json:"error,omitempty"`
}
