package dto

// RunQueueRequest is the body of POST /api/v1/queue/run
type RunQueueRequest struct {
	Limit          int  `json:"limit" binding:"omitempty,min=0"`
	BypassCooldown bool `json:"bypass_cooldown"`
}

type RunQueueResponse struct {
	Processed            int     `json:"processed"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	DeadLettered         int     `json:"dead_lettered"`
	Reaped               int64   `json:"reaped"`
	CooldownActive       bool    `json:"cooldown_active"`
	RemainingWaitSeconds float64 `json:"remaining_wait_seconds"`
}

// StartBatchRequest is the body of the batch start and dry-run endpoints
type StartBatchRequest struct {
	BatchSize int  `json:"batch_size" binding:"omitempty,min=1,max=10000"`
	MaxTotal  *int `json:"max_total" binding:"omitempty,min=1"`
}
