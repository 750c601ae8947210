package artifact

import "errors"

var (
	ErrMissingBinary      = errors.New("required binary not found")
	ErrMediaNotConfigured = errors.New("install media not available")
	ErrDownloadFailed     = errors.New("install media download failed")
	ErrIO                 = errors.New("artifact io failure")
)
