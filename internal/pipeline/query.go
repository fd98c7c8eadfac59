package pipeline

import (
	"context"
	"strconv"

	"distillo/internal/store"
)

// StatusInfo is the poll reply for one request.
type StatusInfo struct {
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ErrorType  string `json:"error_type,omitempty"`
	ErrorText  string `json:"error_text,omitempty"`
	Lang       string `json:"lang,omitempty"`
	HasSummary bool   `json:"has_summary"`
	// AvgExtractMS gives pollers of an in-flight request a rough ETA.
	AvgExtractMS int64 `json:"avg_extract_ms,omitempty"`
}

// Status reports the lifecycle state of a request.
func (c *Coordinator) Status(ctx context.Context, requestID string) (*StatusInfo, error) {
	r, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	info := &StatusInfo{
		RequestID: r.ID,
		Kind:      r.Kind,
		Status:    r.Status,
		ErrorType: r.ErrorType.String,
		ErrorText: r.ErrorText.String,
		Lang:      r.LangDetected.String,
	}
	if _, err := c.store.GetSummary(ctx, requestID); err == nil {
		info.HasSummary = true
	}
	if r.Status == store.StatusProcessing {
		if avg, err := strconv.ParseFloat(c.store.GetKV(ctx, "avg_extract_ms"), 64); err == nil {
			info.AvgExtractMS = int64(avg)
		}
	}
	return info, nil
}

// SummaryOf returns the stored summary payload for a request.
func (c *Coordinator) SummaryOf(ctx context.Context, requestID string) (*store.Summary, error) {
	return c.store.GetSummary(ctx, requestID)
}

// Trail returns the audit events recorded under a correlation id.
func (c *Coordinator) Trail(ctx context.Context, correlationID string) ([]store.AuditEvent, error) {
	return c.store.AuditTrail(ctx, correlationID)
}
