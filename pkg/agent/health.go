// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
)

// HealthChecker reports an agent as degraded once its consecutive failures
// reach the threshold. Degradation never blocks dispatch.
func HealthChecker(a core.Agent) core.HealthChecker {
	return core.HealthCheckerFunc(func(context.Context) core.HealthResult {
		stats := a.Stats()
		result := core.HealthResult{
			Component: "agent:" + a.ID(),
			Status:    core.HealthHealthy,
			Message:   string(stats.State),
			LastCheck: time.Now(),
		}
		if stats.Degraded {
			result.Status = core.HealthDegraded
			result.Message = fmt.Sprintf("%d consecutive failures", stats.ConsecutiveFailures)
		}
		return result
	})
}
