// ABOUTME: AI tool runner contract used by the agent daemon
// ABOUTME: Treats the external CLI as an opaque capability streaming text plus a resume token

package runner

import "context"

// Event is one element of a run's output stream. Text chunks arrive with
// Done=false; exactly one final event carries Done=true with the optional
// continuation token and result files.
type Event struct {
	Text string
	Done bool

	// Set only on the final event.
	ContinuationToken string
	ResultFiles       []ResultFile
	Err               error
}

// ResultFile is a file produced by a run.
type ResultFile struct {
	Filename string
	MimeType string
	Data     []byte
}

// Runner executes the external AI tool against a project directory.
// continuationToken, when non-empty, asks the tool to resume its own memory;
// a tool that cannot resume ignores it and returns a fresh token (or none).
type Runner interface {
	Run(ctx context.Context, projectPath, prompt, continuationToken string) (<-chan Event, error)
}
