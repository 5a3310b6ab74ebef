package stt

import (
	"errors"
	"fmt"
)

// ErrorCode is the recogniser's reason for ending a stream with an error.
// The values match the codes emitted by browser and mobile speech APIs.
type ErrorCode string

const (
	CodeNoSpeech             ErrorCode = "no-speech"
	CodeAudioCapture         ErrorCode = "audio-capture"
	CodeNotAllowed           ErrorCode = "not-allowed"
	CodeNetwork              ErrorCode = "network"
	CodeAborted              ErrorCode = "aborted"
	CodeServiceNotAllowed    ErrorCode = "service-not-allowed"
	CodeBadGrammar           ErrorCode = "bad-grammar"
	CodeLanguageNotSupported ErrorCode = "language-not-supported"
)

// RecognitionError is the terminal error of a stream.
type RecognitionError struct {
	Code    ErrorCode
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stt: recognition error %q", e.Code)
	}
	return fmt.Sprintf("stt: recognition error %q: %s", e.Code, e.Message)
}

// CodeOf extracts the [ErrorCode] from err. It returns "" for nil and for
// errors that are not a *RecognitionError.
func CodeOf(err error) ErrorCode {
	var re *RecognitionError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
