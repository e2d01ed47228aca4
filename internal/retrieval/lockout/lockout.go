// Package lockout counts failed retrieval verifications. Failures are counted
// twice: per client address, so one client cannot keep guessing, and per kit
// id, so rotating addresses does not buy more guesses against one kit.
package lockout

import (
	"fmt"

	id "cohort/pkg/domain"
)

const keyPrefix = "verify:fail:"

// ClientKey scopes failures to one client address within a batch.
func ClientKey(batchID id.BatchID, clientIP string) string {
	if clientIP == "" {
		clientIP = "unknown"
	}
	return fmt.Sprintf("%s%s:ip:%s", keyPrefix, batchID, clientIP)
}

// KitKey scopes failures to one claimed kit id within a batch.
func KitKey(batchID id.BatchID, kitID id.KitID) string {
	return fmt.Sprintf("%s%s:kit:%s", keyPrefix, batchID, kitID)
}
