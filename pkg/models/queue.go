package models

import (
	"fmt"
	"time"
)

type QueueName string

const (
	WorkflowOrchestrationQueue QueueName = "workflow-orchestration"
	ImageGenerationQueue       QueueName = "image-generation"
	VideoGenerationQueue       QueueName = "video-generation"
	LLMGenerationQueue         QueueName = "llm-generation"
	GenericProcessingQueue     QueueName = "generic-processing"
)

// AllQueues lists every queue in a stable order.
var AllQueues = []QueueName{
	WorkflowOrchestrationQueue,
	ImageGenerationQueue,
	VideoGenerationQueue,
	LLMGenerationQueue,
	GenericProcessingQueue,
}

var nodeQueues = map[NodeType]QueueName{
	ImageGenNodeType:          ImageGenerationQueue,
	VideoGenNodeType:          VideoGenerationQueue,
	MotionControlNodeType:     VideoGenerationQueue,
	LLMNodeType:               LLMGenerationQueue,
	ReframeNodeType:           GenericProcessingQueue,
	UpscaleNodeType:           GenericProcessingQueue,
	VideoFrameExtractNodeType: GenericProcessingQueue,
	LipSyncNodeType:           GenericProcessingQueue,
	VoiceChangeNodeType:       GenericProcessingQueue,
	TextToSpeechNodeType:      GenericProcessingQueue,
	WorkflowRefNodeType:       WorkflowOrchestrationQueue,
}

// QueueForNodeType returns the queue that executes nodes of the given type.
func QueueForNodeType(t NodeType) (QueueName, error) {
	q, ok := nodeQueues[t]
	if !ok {
		return "", fmt.Errorf("no queue registered for node type '%s'", t)
	}
	return q, nil
}

type BackoffType string

const (
	FixedBackoff       BackoffType = "fixed"
	ExponentialBackoff BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Next returns the wait before the given retry (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type == ExponentialBackoff {
		return b.Delay * time.Duration(1<<(attempt-1))
	}
	return b.Delay
}

// QueueConfig is the retry, retention and concurrency policy of one queue.
type QueueConfig struct {
	Name             QueueName
	Concurrency      int
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete time.Duration // Retention of completed runtime entries
	RemoveOnFail     time.Duration // Retention of failed runtime entries
}

// DefaultQueueConfigs returns the built-in policy for every queue. Provider
// queues run one job at a time to stay under third-party rate limits.
func DefaultQueueConfigs(orchestrationConcurrency int) map[QueueName]QueueConfig {
	if orchestrationConcurrency <= 0 {
		orchestrationConcurrency = 5
	}
	day := 24 * time.Hour
	return map[QueueName]QueueConfig{
		WorkflowOrchestrationQueue: {
			Name: WorkflowOrchestrationQueue, Concurrency: orchestrationConcurrency, Attempts: 3,
			Backoff:          Backoff{Type: ExponentialBackoff, Delay: 2 * time.Second},
			RemoveOnComplete: day, RemoveOnFail: 7 * day,
		},
		ImageGenerationQueue: {
			Name: ImageGenerationQueue, Concurrency: 1, Attempts: 3,
			Backoff:          Backoff{Type: ExponentialBackoff, Delay: 5 * time.Second},
			RemoveOnComplete: day, RemoveOnFail: 7 * day,
		},
		VideoGenerationQueue: {
			Name: VideoGenerationQueue, Concurrency: 1, Attempts: 3,
			Backoff:          Backoff{Type: ExponentialBackoff, Delay: 10 * time.Second},
			RemoveOnComplete: day, RemoveOnFail: 7 * day,
		},
		LLMGenerationQueue: {
			Name: LLMGenerationQueue, Concurrency: 1, Attempts: 3,
			Backoff:          Backoff{Type: ExponentialBackoff, Delay: 3 * time.Second},
			RemoveOnComplete: day, RemoveOnFail: 7 * day,
		},
		GenericProcessingQueue: {
			Name: GenericProcessingQueue, Concurrency: 1, Attempts: 3,
			Backoff:          Backoff{Type: FixedBackoff, Delay: 5 * time.Second},
			RemoveOnComplete: day, RemoveOnFail: 7 * day,
		},
	}
}
