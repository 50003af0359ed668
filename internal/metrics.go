package internal

import "expvar"

var (
	requestsTotal     = expvar.NewMap("shipnotes_webhook_requests_total")
	signatureFailures = expvar.NewInt("shipnotes_signature_failures_total")
	intakeTotal       = expvar.NewMap("shipnotes_intake_total")
	intakeErrors      = expvar.NewMap("shipnotes_intake_errors_total")
	jobsTotal         = expvar.NewMap("shipnotes_jobs_total")
	quotaRejections   = expvar.NewInt("shipnotes_quota_rejections_total")
	streamDrops       = expvar.NewInt("shipnotes_stream_dropped_total")
	publishErrors     = expvar.NewMap("shipnotes_publish_errors_total")
)

func IncRequest(event string) {
	requestsTotal.Add(event, 1)
}

func IncSignatureFailure() {
	signatureFailures.Add(1)
}

// IncIntake counts intake outcomes: accepted, duplicate, filtered.
func IncIntake(outcome string) {
	intakeTotal.Add(outcome, 1)
}

func IncIntakeError(stage string) {
	intakeErrors.Add(stage, 1)
}

// IncJob counts job outcomes: processed, skipped, failed, dropped, given_up.
func IncJob(outcome string) {
	jobsTotal.Add(outcome, 1)
}

func IncQuotaRejection() {
	quotaRejections.Add(1)
}

func IncStreamDrop() {
	streamDrops.Add(1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}
