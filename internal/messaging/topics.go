package messaging

// Kafka topics
const (
	TopicEngineEvents   = "zmqnotify.engine_events"   // validation engine → zmqpubd
	TopicPublisherStats = "zmqnotify.publisher_stats" // zmqpubd → monitoring
)
