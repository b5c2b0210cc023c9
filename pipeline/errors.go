package pipeline

import "errors"

var (
	// ErrUnsupportedContent indicates decrypted content matching none of the
	// known content kinds.
	ErrUnsupportedContent = errors.New("pipeline: unsupported content")

	// ErrForeignSyncMessage indicates a sync message from an identity other
	// than the local account's own other devices.
	ErrForeignSyncMessage = errors.New("pipeline: sync message from foreign identity")

	// ErrStoppingProcessing indicates the pipeline is shutting down and
	// refused to start a new task.
	ErrStoppingProcessing = errors.New("pipeline: stopping processing")

	// ErrBacklogOverflow indicates the durable cache exceeded its ceiling
	// and was purged wholesale.
	ErrBacklogOverflow = errors.New("pipeline: unprocessed backlog exceeds ceiling")
)
