package internaldefs

import (
	goIdentity "github.com/MrEthical07/goIdentity"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   goIdentity.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   goIdentity.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter both exporters publish.
var CounterDefs = []CounterDef{
	{ID: goIdentity.MetricLoginSuccess, Name: "goidentity_login_success_total", Help: "Successful logins."},
	{ID: goIdentity.MetricLoginFailure, Name: "goidentity_login_failure_total", Help: "Failed login attempts."},
	{ID: goIdentity.MetricLoginRateLimited, Name: "goidentity_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: goIdentity.MetricMFAChallengeIssued, Name: "goidentity_mfa_challenge_issued_total", Help: "Logins that required a second factor."},
	{ID: goIdentity.MetricMFALoginSuccess, Name: "goidentity_mfa_login_success_total", Help: "Successful MFA confirmations."},
	{ID: goIdentity.MetricMFALoginFailure, Name: "goidentity_mfa_login_failure_total", Help: "Failed MFA confirmations."},
	{ID: goIdentity.MetricAccessVerified, Name: "goidentity_access_verified_total", Help: "Access tokens accepted."},
	{ID: goIdentity.MetricAccessRejected, Name: "goidentity_access_rejected_total", Help: "Access tokens rejected."},
	{ID: goIdentity.MetricRefreshSuccess, Name: "goidentity_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: goIdentity.MetricRefreshFailure, Name: "goidentity_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: goIdentity.MetricReauthorizationIssued, Name: "goidentity_reauthorization_issued_total", Help: "Reauthorization tokens issued."},
	{ID: goIdentity.MetricSessionInvalidated, Name: "goidentity_session_invalidated_total", Help: "Session-version bumps."},
	{ID: goIdentity.MetricAccountCreated, Name: "goidentity_account_created_total", Help: "Accounts created."},
	{ID: goIdentity.MetricAccountCreationDuplicate, Name: "goidentity_account_creation_duplicate_total", Help: "Account creations rejected as duplicate."},
	{ID: goIdentity.MetricPasswordChangeSuccess, Name: "goidentity_password_change_success_total", Help: "Successful password changes."},
	{ID: goIdentity.MetricPasswordChangeFailure, Name: "goidentity_password_change_failure_total", Help: "Failed password changes."},
	{ID: goIdentity.MetricPasswordResetRequest, Name: "goidentity_password_reset_request_total", Help: "Password reset requests."},
	{ID: goIdentity.MetricPasswordResetConfirm, Name: "goidentity_password_reset_confirm_total", Help: "Confirmed password resets."},
	{ID: goIdentity.MetricEmailVerificationRequest, Name: "goidentity_email_verification_request_total", Help: "Email verification requests."},
	{ID: goIdentity.MetricEmailVerificationConfirm, Name: "goidentity_email_verification_confirm_total", Help: "Confirmed email verifications."},
	{ID: goIdentity.MetricTOTPSetupStarted, Name: "goidentity_totp_setup_started_total", Help: "TOTP enrollments started."},
	{ID: goIdentity.MetricTOTPConfirmed, Name: "goidentity_totp_confirmed_total", Help: "TOTP enrollments confirmed."},
	{ID: goIdentity.MetricTOTPSuccess, Name: "goidentity_totp_success_total", Help: "Successful TOTP verifications."},
	{ID: goIdentity.MetricTOTPFailure, Name: "goidentity_totp_failure_total", Help: "Failed TOTP verifications."},
	{ID: goIdentity.MetricTOTPDisabled, Name: "goidentity_totp_disabled_total", Help: "TOTP enrollments disabled."},
	{ID: goIdentity.MetricBackupCodeUsed, Name: "goidentity_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: goIdentity.MetricBackupCodeFailed, Name: "goidentity_backup_code_failed_total", Help: "Failed backup-code attempts."},
	{ID: goIdentity.MetricBackupCodesRegenerated, Name: "goidentity_backup_codes_regenerated_total", Help: "Backup code set regenerations."},
	{ID: goIdentity.MetricOAuthLoginStarted, Name: "goidentity_oauth_login_started_total", Help: "OAuth flows started."},
	{ID: goIdentity.MetricOAuthLoginSuccess, Name: "goidentity_oauth_login_success_total", Help: "OAuth callbacks completed."},
	{ID: goIdentity.MetricOAuthLoginFailure, Name: "goidentity_oauth_login_failure_total", Help: "OAuth callbacks failed."},
	{ID: goIdentity.MetricOAuthStateRejected, Name: "goidentity_oauth_state_rejected_total", Help: "OAuth callbacks rejected for bad state."},
	{ID: goIdentity.MetricOAuthTokenRefreshed, Name: "goidentity_oauth_token_refreshed_total", Help: "Stored provider tokens refreshed."},
	{ID: goIdentity.MetricDeletionRequested, Name: "goidentity_deletion_requested_total", Help: "Account deletions requested."},
	{ID: goIdentity.MetricDeletionConfirmed, Name: "goidentity_deletion_confirmed_total", Help: "Account deletions confirmed."},
	{ID: goIdentity.MetricDeletionCancelled, Name: "goidentity_deletion_cancelled_total", Help: "Account deletions cancelled."},
	{ID: goIdentity.MetricDeletionExecuted, Name: "goidentity_deletion_executed_total", Help: "Account hard deletes executed."},
	{ID: goIdentity.MetricEmailChangeRequested, Name: "goidentity_email_change_requested_total", Help: "Email changes requested."},
	{ID: goIdentity.MetricEmailChangeConfirmed, Name: "goidentity_email_change_confirmed_total", Help: "Email changes confirmed."},
	{ID: goIdentity.MetricEmailChangeCancelled, Name: "goidentity_email_change_cancelled_total", Help: "Email changes cancelled."},
	{ID: goIdentity.MetricAPIKeyCreated, Name: "goidentity_api_key_created_total", Help: "API keys created."},
	{ID: goIdentity.MetricAPIKeyVerified, Name: "goidentity_api_key_verified_total", Help: "API keys verified."},
	{ID: goIdentity.MetricAPIKeyRejected, Name: "goidentity_api_key_rejected_total", Help: "API keys rejected."},
	{ID: goIdentity.MetricAPIKeyExpired, Name: "goidentity_api_key_expired_total", Help: "API keys rejected as expired."},
	{ID: goIdentity.MetricSweepTokensDeleted, Name: "goidentity_sweep_tokens_deleted_total", Help: "Expired token rows removed by the sweep."},
	{ID: goIdentity.MetricSweepStatesDeleted, Name: "goidentity_sweep_states_deleted_total", Help: "Expired state rows removed by the sweep."},
}

// HistogramDefs lists every histogram both exporters publish.
var HistogramDefs = []HistogramDef{
	{ID: goIdentity.MetricVerifyLatency, Name: "goidentity_verify_latency_seconds", Help: "Access verification latency histogram."},
}

// HistogramBounds are the bucket upper bounds in Prometheus notation.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with OTel-safe instrument
// name suffixes.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
