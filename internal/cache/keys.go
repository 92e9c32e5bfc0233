package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func DispatchClaimKey(promptID uuid.UUID) string {
	return fmt.Sprintf("dispatch:%s", promptID)
}

func RateLimitKey(scope, client string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, client)
}
