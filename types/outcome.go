package types

import "time"

// OutcomeStatus is the status of a persisted consultation.
type OutcomeStatus string

const (
	// OutcomeProcessing means summarization was accepted but is not complete.
	OutcomeProcessing OutcomeStatus = "processing"
	// OutcomeCompleted means transcription and summary are available.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeFailed means delivery failed.
	OutcomeFailed OutcomeStatus = "failed"
)

// UploadReceipt is returned by the transcription service upload.
type UploadReceipt struct {
	RemoteReference string `json:"upload_url"`
}

// ConsultationOutcome is the record handed to the persistence collaborator.
type ConsultationOutcome struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	Subject         string        `json:"subject"`
	AudioReference  string        `json:"audio_reference"`
	UploadReference string        `json:"upload_reference"`
	Transcription   string        `json:"transcription"`
	Summary         string        `json:"summary"`
	Status          OutcomeStatus `json:"status"`
	DurationSeconds int           `json:"duration_seconds"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Complete records the summarization result.
func (o *ConsultationOutcome) Complete(transcription, summary string, at time.Time) {
	o.Transcription = transcription
	o.Summary = summary
	o.Status = OutcomeCompleted
	o.UpdatedAt = at
}

// MarkProcessing records a placeholder awaiting deferred completion.
func (o *ConsultationOutcome) MarkProcessing(at time.Time) {
	o.Transcription = ""
	o.Summary = ""
	o.Status = OutcomeProcessing
	o.UpdatedAt = at
}
