package queue

import "errors"

var (
	// ErrNotFound means the queue document (or a job within it) does not exist.
	ErrNotFound = errors.New("queue not found")

	// ErrJobNotFound means the referenced jobId is not in the queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyExists means init was called on an existing queue.
	ErrAlreadyExists = errors.New("queue already exists")

	// ErrWrongState means a transition was requested from a state that does
	// not permit it (e.g. complete on a non-CLAIMED job).
	ErrWrongState = errors.New("job is in the wrong state")

	// ErrEmptyJobs means enqueue was called with no jobs.
	ErrEmptyJobs = errors.New("enqueue requires at least one job")

	// ErrMissingWorkerID means claim or heartbeat lacked a workerId.
	ErrMissingWorkerID = errors.New("workerId is required")

	// ErrMissingError means fail was called without an error message.
	ErrMissingError = errors.New("fail requires an error message")

	// ErrInvalidState means the on-disk document failed schema validation.
	ErrInvalidState = errors.New("invalid queue state document")
)
