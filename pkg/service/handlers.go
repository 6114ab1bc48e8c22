package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/genflow/pkg/models"
	"github.com/ignatij/genflow/pkg/pricing"
	"github.com/ignatij/genflow/pkg/provider"
	"github.com/ignatij/genflow/pkg/queue"
	"github.com/pkg/errors"
)

// NodeRun is everything a handler sees of the job it executes.
type NodeRun struct {
	Job      *queue.Job
	Data     models.JobData
	Params   provider.Params
	Progress func(pct int)
}

// NodeHandler executes one node type.
type NodeHandler interface {
	// Materialize overlays the node's data on the handler defaults.
	Materialize(data map[string]any) provider.Params
	Execute(ctx context.Context, run *NodeRun) (JobResult, error)
	// Cost prices a successful run of the given parameters.
	Cost(params provider.Params) float64
}

// HandlerTable maps node types to their handlers.
type HandlerTable map[models.NodeType]NodeHandler

// ForQueue returns the handlers whose node types run on q.
func (t HandlerTable) ForQueue(q models.QueueName) HandlerTable {
	out := HandlerTable{}
	for nodeType, h := range t {
		if nq, err := models.QueueForNodeType(nodeType); err == nil && nq == q {
			out[nodeType] = h
		}
	}
	return out
}

// Default poll budgets per node family.
var (
	ImagePoll      = PollConfig{Interval: 2 * time.Second, MaxAttempts: 60, StartProgress: 20, EndProgress: 95}
	VideoPoll      = PollConfig{Interval: 10 * time.Second, MaxAttempts: 90, StartProgress: 20, EndProgress: 95}
	LLMPoll        = PollConfig{Interval: time.Second, MaxAttempts: 120, StartProgress: 20, EndProgress: 95}
	ProcessingPoll = PollConfig{Interval: 3 * time.Second, MaxAttempts: 100, StartProgress: 20, EndProgress: 95}
)

// NodeDefaults are the parameters a node gets when its data leaves them out.
var NodeDefaults = map[models.NodeType]provider.Params{
	models.ImageGenNodeType:          {"resolution": "2K", "aspectRatio": "1:1", "numImages": 1},
	models.VideoGenNodeType:          {"duration": 8, "generateAudio": true, "resolution": "720p", "aspectRatio": "16:9"},
	models.MotionControlNodeType:     {"duration": 8, "generateAudio": false, "resolution": "720p"},
	models.LLMNodeType:               {"temperature": 0.7, "maxTokens": 1024},
	models.ReframeNodeType:           {"aspectRatio": "9:16"},
	models.UpscaleNodeType:           {"scale": 2},
	models.VideoFrameExtractNodeType: {"position": "last"},
	models.LipSyncNodeType:           {},
	models.VoiceChangeNodeType:       {},
	models.TextToSpeechNodeType:      {"voice": "default"},
}

// Providers are the generation services per node family. A nil provider
// leaves its node types unregistered.
type Providers struct {
	Image      provider.Provider
	Video      provider.Provider
	LLM        provider.Provider
	Processing provider.Provider
}

// DefaultHandlers builds the handler of every provider-backed node type.
func DefaultHandlers(p Providers, price pricing.Func) HandlerTable {
	t := HandlerTable{}
	register := func(prov provider.Provider, poll PollConfig, types ...models.NodeType) {
		if prov == nil {
			return
		}
		for _, nodeType := range types {
			t[nodeType] = NewProviderHandler(nodeType, prov, poll, NodeDefaults[nodeType], price)
		}
	}
	register(p.Image, ImagePoll, models.ImageGenNodeType)
	register(p.Video, VideoPoll, models.VideoGenNodeType, models.MotionControlNodeType)
	register(p.LLM, LLMPoll, models.LLMNodeType)
	register(p.Processing, ProcessingPoll,
		models.ReframeNodeType, models.UpscaleNodeType, models.VideoFrameExtractNodeType,
		models.LipSyncNodeType, models.VoiceChangeNodeType, models.TextToSpeechNodeType)
	return t
}

// ProviderHandler runs a node as dispatch followed by a poll loop.
type ProviderHandler struct {
	nodeType models.NodeType
	provider provider.Provider
	poll     PollConfig
	defaults provider.Params
	price    pricing.Func
}

func NewProviderHandler(nodeType models.NodeType, p provider.Provider, poll PollConfig, defaults provider.Params, price pricing.Func) *ProviderHandler {
	if price == nil {
		price = pricing.Free
	}
	return &ProviderHandler{
		nodeType: nodeType,
		provider: p,
		poll:     poll,
		defaults: defaults,
		price:    price,
	}
}

func (h *ProviderHandler) Materialize(data map[string]any) provider.Params {
	params := make(provider.Params, len(h.defaults)+len(data))
	for k, v := range h.defaults {
		params[k] = v
	}
	for k, v := range data {
		if v != nil {
			params[k] = v
		}
	}
	return params
}

func (h *ProviderHandler) Execute(ctx context.Context, run *NodeRun) (JobResult, error) {
	opID, err := h.provider.Dispatch(ctx, run.Params)
	if err != nil {
		return JobResult{}, errors.Wrapf(err, "failed to dispatch %s node %s", h.nodeType, run.Data.NodeID)
	}
	if run.Progress != nil {
		run.Progress(h.poll.StartProgress)
	}
	return PollForCompletion(ctx, h.provider, string(h.nodeType), opID, h.poll, run.Progress)
}

func (h *ProviderHandler) Cost(params provider.Params) float64 {
	return h.price(PriceParams(params))
}

// PriceParams extracts the pricing inputs from materialised parameters.
func PriceParams(params provider.Params) pricing.Params {
	p := pricing.Params{}
	if v, ok := params["model"].(string); ok {
		p.Model = v
	}
	if v, ok := params["resolution"].(string); ok {
		p.Resolution = v
	}
	p.Duration = toFloat(params["duration"])
	if v, ok := params["generateAudio"].(bool); ok {
		p.Audio = v
	}
	return p
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// workflowRefHandler runs a referenced workflow as a child execution.
type workflowRefHandler struct {
	executions *ExecutionService
	queues     *QueueManager
}

// NewWorkflowRefHandler builds the handler of workflowRef nodes.
func NewWorkflowRefHandler(executions *ExecutionService, queues *QueueManager) NodeHandler {
	return &workflowRefHandler{executions: executions, queues: queues}
}

func (h *workflowRefHandler) Materialize(data map[string]any) provider.Params {
	params := make(provider.Params, len(data))
	for k, v := range data {
		params[k] = v
	}
	return params
}

func (h *workflowRefHandler) Execute(ctx context.Context, run *NodeRun) (JobResult, error) {
	refID, _ := run.Params["workflowId"].(string)
	if refID == "" {
		return JobResult{}, queue.Unrecoverable(fmt.Errorf("workflowRef node %s has no workflowId", run.Data.NodeID))
	}
	childID, err := h.executions.Create(ctx, refID, run.Data.ExecutionID)
	if err != nil {
		return JobResult{}, err
	}
	jobID, err := h.queues.EnqueueWorkflow(ctx, childID, refID)
	if err != nil {
		return JobResult{}, err
	}
	return JobResult{
		Success: true,
		Output: map[string]any{
			"childExecutionId": childID,
			"workflowId":       refID,
			"jobId":            jobID,
		},
	}, nil
}

func (h *workflowRefHandler) Cost(provider.Params) float64 {
	return 0
}
