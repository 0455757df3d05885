package queue

// Envelope is the message body carried on the materials topic. Name
// lets consumers reject foreign payloads that land on the topic
// without burning retries on them.
type Envelope struct {
	JobID         string `json:"job_id"`
	Name          string `json:"name"`
	MaterialID    string `json:"material_id"`
	FileURL       string `json:"file_url"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
