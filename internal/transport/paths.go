package transport

import (
	"fmt"
	"net/url"
)

// HealthPath is probed by the connectivity monitor.
const HealthPath = "/api/health"

// ResourcePath addresses one onboarding aggregate.
func ResourcePath(resourceID string) string {
	return "/api/onboarding/" + url.PathEscape(resourceID)
}

// StepPath addresses one step of an onboarding aggregate.
func StepPath(resourceID string, step int) string {
	return fmt.Sprintf("%s/steps/%d", ResourcePath(resourceID), step)
}

// ProgressPath addresses the server-side completion flags.
func ProgressPath(resourceID string) string {
	return ResourcePath(resourceID) + "/progress"
}
