package config

const (
	// TopicProcessMaterial is the NSQ topic for material processing jobs.
	TopicProcessMaterial = "materials.process"

	// ChannelPipeline is the consumer channel the pipeline workers share.
	ChannelPipeline = "pipeline"

	// JobProcessMaterial is the logical job name carried in every envelope.
	JobProcessMaterial = "process-material"
)
