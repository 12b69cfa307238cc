package models

import "time"

// UploadStatus represents the state of a queued file upload.
type UploadStatus string

const (
	UploadStatusPending  UploadStatus = "pending"
	UploadStatusInFlight UploadStatus = "in-flight"
	UploadStatusDone     UploadStatus = "done"
	UploadStatusFailed   UploadStatus = "failed"
)

// PendingUpload is a durably queued outbound file upload. It is created as
// soon as content is captured, regardless of connectivity, and removed only
// after the server acknowledges persistence of that exact content.
type PendingUpload struct {
	ID          string
	Filename    string
	ContentPath string
	SizeBytes   int64
	Status      UploadStatus
	CreatedAt   time.Time
}
