// Package dto provides the request and response values exchanged with the crypto ops processor.
package dto

import "time"

// RequestContext identifies a request and its tenant. It is echoed back in the response.
// RequestContext 标识请求及其租户，并在响应中回传。
type RequestContext struct {
	TenantID         string            `json:"tenantId" validate:"notblank"`
	RequestID        string            `json:"requestId" validate:"required"`
	RequestTimestamp time.Time         `json:"requestTimestamp"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// ResponseContext is the request context plus the time the response was produced.
// ResponseContext 在请求上下文的基础上增加了响应时间。
type ResponseContext struct {
	TenantID          string            `json:"tenantId"`
	RequestID         string            `json:"requestId"`
	RequestTimestamp  time.Time         `json:"requestTimestamp"`
	ResponseTimestamp time.Time         `json:"responseTimestamp"`
	Properties        map[string]string `json:"properties,omitempty"`
}

// Respond creates the response context for rc stamped at now.
func (rc RequestContext) Respond(now time.Time) ResponseContext {
	return ResponseContext{
		TenantID:          rc.TenantID,
		RequestID:         rc.RequestID,
		RequestTimestamp:  rc.RequestTimestamp,
		ResponseTimestamp: now,
		Properties:        rc.Properties,
	}
}
