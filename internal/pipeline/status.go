package pipeline

// Status is a document's position in the processing pipeline. A
// document moves forward one stage at a time; FAILED is reachable from
// any non-terminal stage, and reprocessing resets a document to
// PENDING rather than transitioning it.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusExtracting    Status = "EXTRACTING"
	StatusOCRExtracting Status = "OCR_EXTRACTING"
	StatusCleaning      Status = "CLEANING"
	StatusSegmenting    Status = "SEGMENTING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusExtracting},
	StatusExtracting:    {StatusOCRExtracting, StatusCleaning},
	StatusOCRExtracting: {StatusCleaning},
	StatusCleaning:      {StatusSegmenting},
	StatusSegmenting:    {StatusCompleted},
}

// Terminal reports whether the pipeline is done with the document.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active lists the statuses that mean a worker currently owns the
// document. Documents parked in one of these past the staleness
// threshold are what the monitor resets.
func Active() []Status {
	return []Status{StatusExtracting, StatusOCRExtracting, StatusCleaning, StatusSegmenting}
}
