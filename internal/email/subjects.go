package email

const (
	fromName        = "Call Recovery"
	subjectAlertFmt = "[%s] Call recovery: %s"
)
