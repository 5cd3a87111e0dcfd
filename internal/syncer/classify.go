package syncer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
	"github.com/dirsyncd/dirsyncd/internal/store"
)

// Kind buckets a run failure into how the state machine reacts to it.
type Kind string

const (
	// KindClientError needs operator action: bad credentials, revoked
	// scopes, malformed provider data, or a tripped deletion breaker.
	// The directory is disabled immediately.
	KindClientError Kind = "client_error"

	// KindTransient is expected to heal on its own: provider 5xx,
	// network faults, database errors, timeouts. The directory stays
	// enabled and is retried on the next tick.
	KindTransient Kind = "transient"
)

// Classify decides the failure kind for a run error. Anything not
// positively identified as a client fault is treated as transient, so an
// unrecognized error never permanently disables a directory.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var validationErr *idp.ValidationError
	if errors.As(err, &validationErr) {
		return KindClientError
	}
	var scopeErr *idp.ScopeError
	if errors.As(err, &scopeErr) {
		return KindClientError
	}
	var thresholdErr *DeletionThresholdError
	if errors.As(err, &thresholdErr) {
		return KindClientError
	}

	if status, ok := rest.StatusOf(err); ok {
		if status >= 400 && status < 500 {
			return KindClientError
		}
		return KindTransient
	}

	return KindTransient
}

// oktaResolutions maps Okta API error codes to what the operator should
// actually do about them.
var oktaResolutions = map[string]string{
	"E0000004": "authentication failed: verify the client ID and signing key registered on the Okta service app",
	"E0000006": "access denied: grant the Okta service app the okta.users.read, okta.groups.read and okta.apps.read scopes",
	"E0000011": "invalid token: re-verify the directory to mint fresh credentials",
	"E0000047": "rate limit exceeded: reduce concurrent syncs against this Okta org or raise its API rate limits",
	"E0000064": "credential expired: rotate the signing key configured for the Okta service app",
}

type oktaErrorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorSummary string `json:"errorSummary"`
}

// FormatError renders a run error as the message stored on the directory
// and shown to operators. Known provider error codes get an actionable
// resolution appended; everything else passes through verbatim.
func FormatError(provider string, err error) string {
	if err == nil {
		return ""
	}

	var thresholdErr *DeletionThresholdError
	if errors.As(err, &thresholdErr) {
		return fmt.Sprintf("%s; refusing to delete, verify the provider listing is complete before re-enabling", thresholdErr)
	}

	if provider == store.ProviderOkta {
		var statusErr *rest.StatusError
		if errors.As(err, &statusErr) && statusErr.Body != "" {
			var body oktaErrorBody
			if jsonErr := json.Unmarshal([]byte(statusErr.Body), &body); jsonErr == nil {
				if resolution, ok := oktaResolutions[body.ErrorCode]; ok {
					return fmt.Sprintf("%s (%s): %s", body.ErrorCode, body.ErrorSummary, resolution)
				}
			}
		}
	}

	return err.Error()
}
