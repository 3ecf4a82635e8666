// Package record defines the immutable value delivered by the (out of
// scope) dispatcher to a replay worker.
package record

import "time"

// CommandRecord is the immutable unit of replay work. The engine reads
// every field except OriginalStartTime, which is carried for the
// capture's own record; the capture/listener layer and dispatcher that
// produce it are external collaborators.
type CommandRecord struct {
	// SessionID identifies the originating session; all commands for a
	// session are routed to the same Worker and must be appended in
	// capture order.
	SessionID string

	// AppName is the original application's connection attribute, used
	// when the worker's MimicApplicationName policy is enabled.
	AppName string

	// Database is the source-side database name the command targeted;
	// it is translated through the worker's database map before use.
	Database string

	// Text is the raw, un-normalized command text as captured.
	Text string

	// EventSequence is monotonic within a session.
	EventSequence int64

	// ReplayOffset is the duration between the worker's anchor time
	// and the moment this command should execute. A nil
	// value means no offset was captured; the command executes as
	// soon as it is dequeued.
	ReplayOffset *time.Duration

	// OriginalStartTime is the wall-clock time the command was first
	// observed during capture.
	OriginalStartTime time.Time
}
