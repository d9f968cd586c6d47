// SPDX-License-Identifier: AGPL-3.0-only
package model

import (
	"encoding/json"
	"time"

	"github.com/jolks/mcp-finance/internal/logging"
)

// Finish stamps the end time and duration of a result.
func (r *Result) Finish() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime).String()
}

// PersistAndLogResult saves a result to the store (best-effort) and debug-logs it.
func PersistAndLogResult(store ResultStore, result *Result, logger *logging.Logger) {
	if store != nil {
		if err := store.SaveResult(result); err != nil {
			logger.Warnf("Failed to persist %s result %s: %v", result.Kind, result.ID, err)
		}
	}

	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Warnf("Failed to marshal %s result %s: %v", result.Kind, result.ID, err)
	} else {
		logger.Debugf("%s %s result: %s", result.Kind, result.ID, string(jsonData))
	}
}
