package models

import "time"

type NodeType string

const (
	ImageGenNodeType          NodeType = "imageGen"
	VideoGenNodeType          NodeType = "videoGen"
	MotionControlNodeType     NodeType = "motionControl"
	LLMNodeType               NodeType = "llm"
	ReframeNodeType           NodeType = "reframe"
	UpscaleNodeType           NodeType = "upscale"
	VideoFrameExtractNodeType NodeType = "videoFrameExtract"
	LipSyncNodeType           NodeType = "lipSync"
	VoiceChangeNodeType       NodeType = "voiceChange"
	TextToSpeechNodeType      NodeType = "textToSpeech"
	WorkflowRefNodeType       NodeType = "workflowRef"
)

// Node is one step of a workflow graph.
type Node struct {
	ID   string         `json:"id"`             // Unique within the workflow
	Type NodeType       `json:"type"`           // Selects the queue and handler
	Data map[string]any `json:"data,omitempty"` // Node parameters as edited on the canvas
}

// Edge connects the output of Source to the input of Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Workflow is a saved node graph.
type Workflow struct {
	ID        string    `json:"id" db:"id"`                 // UUID
	Name      string    `json:"name" db:"name"`             // Descriptive name
	Nodes     []Node    `json:"nodes"`                      // Populated from the nodes column
	Edges     []Edge    `json:"edges"`                      // Populated from the edges column
	CreatedAt time.Time `json:"created_at" db:"created_at"` // Creation timestamp
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"` // Last update timestamp
}

// Node returns the node with the given id.
func (w Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
