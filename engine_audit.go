package privacyidea

import "context"

const (
	auditEventAuthSuccess       = "auth_success"
	auditEventAuthFailure       = "auth_failure"
	auditEventAuthAmbiguous     = "auth_ambiguous"
	auditEventChallengeCreated  = "challenge_created"
	auditEventChallengeAnswered = "challenge_answered"
	auditEventResync            = "token_resync"
	auditEventEnroll            = "token_enroll"
	auditEventSetPIN            = "token_set_pin"
	auditEventPassthru          = "auth_passthru"
	auditEventAutoAssignment    = "token_autoassignment"
)

// AuditErrorCode defines a public type used by privacyidea APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrTokenNotFound     AuditErrorCode = "token_not_found"
	auditErrUserNotFound      AuditErrorCode = "user_not_found"
	auditErrAmbiguous         AuditErrorCode = "ambiguous_match"
	auditErrReplay            AuditErrorCode = "replay_rejected"
	auditErrChallengeInvalid  AuditErrorCode = "challenge_invalid"
	auditErrChallengeAttempts AuditErrorCode = "challenge_attempts_exceeded"
	auditErrPolicyConflict    AuditErrorCode = "policy_conflict"
	auditErrPolicy            AuditErrorCode = "policy_error"
	auditErrUnavailable       AuditErrorCode = "backend_unavailable"
	auditErrInternal          AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	serial string,
	tokenType string,
	transactionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	// Correlation id, timestamp and the error code are stamped by the
	// dispatcher.
	e.audit.Emit(ctx, AuditEvent{
		EventType:     eventType,
		Serial:        serial,
		TokenType:     tokenType,
		Realm:         realmFromContext(ctx),
		TransactionID: transactionID,
		ClientIP:      clientIPFromContext(ctx),
		Node:          nodeIDFromContext(ctx),
		Success:       success,
		Metadata:      metadata,
	}, err)
}
