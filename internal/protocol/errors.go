package protocol

const (
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidState     = "INVALID_STATE"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeAlreadyDM        = "ALREADY_DM"
	CodeDMNotConnected   = "DM_NOT_CONNECTED"
	CodeInternal         = "INTERNAL_ERROR"
)

var knownCodes = map[string]struct{}{
	CodeNotFound:         {},
	CodeUnauthorized:     {},
	CodeInvalidState:     {},
	CodeValidationFailed: {},
	CodeAlreadyDM:        {},
	CodeDMNotConnected:   {},
	CodeInternal:         {},
}

func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

// Error builds an Error envelope.
func Error(code, message string) Envelope {
	return New(TypeError, ErrorMsg{Code: code, Message: message})
}
