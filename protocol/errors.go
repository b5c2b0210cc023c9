package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingContent indicates an envelope whose type requires a body but
	// which carries neither content nor a legacy message. Fatal, never
	// retried.
	ErrMissingContent = errors.New("protocol: missing content")

	// ErrCertificateValidation indicates a sender certificate which fails
	// signature or expiry checks against the pinned trust root. Fatal, never
	// retried.
	ErrCertificateValidation = errors.New("protocol: certificate validation failed")

	// ErrDuplicateCounter indicates a message whose ratchet counter has
	// already been consumed. Retrying can never succeed.
	ErrDuplicateCounter = errors.New("protocol: message with old counter")

	// ErrNoSession indicates a pairwise ciphertext for which no session is
	// established.
	ErrNoSession = errors.New("protocol: no session")

	// ErrNoSenderKey indicates a sender-key message for which no distribution
	// has been processed.
	ErrNoSenderKey = errors.New("protocol: no sender key")

	// ErrNoIdentity indicates the local identity has not been created yet.
	ErrNoIdentity = errors.New("protocol: no local identity")
)

// DecryptionError wraps a decrypt failure with enough sender metadata for
// the out-of-band retry-request protocol. Recoverable is true only when both
// sender identity and device are known; unrecoverable failures are dropped
// after logging.
type DecryptionError struct {
	Recoverable  bool
	SenderUUID   string
	SenderDevice uint32
	Timestamp    uint64
	Cause        error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("protocol: decryption failed (sender=%s device=%d recoverable=%t): %v", e.SenderUUID, e.SenderDevice, e.Recoverable, e.Cause)
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}

func newDecryptionError(senderUUID string, senderDevice uint32, timestamp uint64, cause error) *DecryptionError {
	return &DecryptionError{
		Recoverable:  senderUUID != "" && senderDevice != 0,
		SenderUUID:   senderUUID,
		SenderDevice: senderDevice,
		Timestamp:    timestamp,
		Cause:        cause,
	}
}
