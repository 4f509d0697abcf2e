// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"
	// HealthDegraded indicates reduced capacity, e.g. an agent that keeps failing.
	HealthDegraded HealthStatus = "DEGRADED"
	// HealthUnhealthy indicates the component cannot serve work.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus
	Component string
	Message   string
	LastCheck time.Time
	Error     error
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) HealthResult

// Check calls f and stamps the result time when missing.
func (f HealthCheckerFunc) Check(ctx context.Context) HealthResult {
	result := f(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}

// Worst returns the most severe of the given statuses; Healthy when empty.
func Worst(statuses ...HealthStatus) HealthStatus {
	out := HealthHealthy
	for _, s := range statuses {
		switch s {
		case HealthUnhealthy:
			return HealthUnhealthy
		case HealthDegraded:
			out = HealthDegraded
		}
	}
	return out
}
