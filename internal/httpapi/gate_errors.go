package httpapi

import "github.com/AgentFSorg/agentfs/internal/apierr"

func preauthDeniedErr(resetSecs int) error {
	return apierr.New(429, apierr.CodePreauthRateLimit, "too many requests, slow down").WithRetryAfter(resetSecs)
}

func rateLimitDeniedErr(resetSecs int) error {
	return apierr.New(429, apierr.CodeRateLimitExceeded, "rate limit exceeded for this endpoint").WithRetryAfter(resetSecs)
}

func tooLargeOrBadBody() error {
	return apierr.New(400, apierr.CodeValidation, "request body missing, malformed, or exceeds 1 MiB")
}
