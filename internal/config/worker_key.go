package config

// WorkerKeyStruct names the Redis lists consumed by background workers.
type WorkerKeyStruct struct {
	// ActivityQueue carries candidate presence events from the relay to the activity worker.
	ActivityQueue string
}

var WorkerKey = &WorkerKeyStruct{
	ActivityQueue: "exam_activity_queue",
}
