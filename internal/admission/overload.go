package admission

// OverloadData is the `data` object of the bit-stable overload payload
// described in spec.md §6.
type OverloadData struct {
	Reason         string `json:"reason"`
	Active         int64  `json:"active"`
	Queued         int64  `json:"queued"`
	MaxConcurrent  uint32 `json:"max_concurrent"`
	QueueSize      uint32 `json:"queue_size"`
	QueueTimeoutMs int64  `json:"queue_timeout_ms"`
	RetryAfterMs   int64  `json:"retry_after_ms"`
}

// OverloadPayload is the full structured overload result a rejection
// renders into, independent of whatever wire format the host chooses.
type OverloadPayload struct {
	Code    int32        `json:"code"`
	Message string       `json:"message"`
	Data    OverloadData `json:"data"`
}

const overloadMessage = "SERVER_OVERLOADED"

// Overload builds the payload for a Reject outcome. Calling it on a
// non-Reject AdmitResult is a programming error in the caller and returns
// the zero-value reason "none".
//
// retry_after_ms is advisory and constant — equal to queue_timeout_ms — per
// the decision recorded in spec.md §9's open question (b) and DESIGN.md.
func (a *Admissioner) Overload(res AdmitResult) OverloadPayload {
	return OverloadPayload{
		Code:    a.cfg.OverloadCode,
		Message: overloadMessage,
		Data: OverloadData{
			Reason:         res.Reason.String(),
			Active:         res.Snapshot.Active,
			Queued:         res.Snapshot.Queued,
			MaxConcurrent:  a.cfg.MaxConcurrent,
			QueueSize:      a.cfg.QueueSize,
			QueueTimeoutMs: a.cfg.QueueTimeout.Milliseconds(),
			// Constant even for concurrency_limit rejections with no queue
			// configured (queue_size==0): the caller still gets the
			// configured queue_timeout_ms as its advisory wait hint.
			RetryAfterMs: a.cfg.QueueTimeout.Milliseconds(),
		},
	}
}
