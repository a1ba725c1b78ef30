package execution

import (
	"fmt"
	"strconv"

	"viz-sandbox/internal/sandbox"
)

// OutputRoute is the URL prefix the gateway serves workspace files under.
const OutputRoute = "/output/"

// Response is returned to the caller for a successful execution.
type Response struct {
	Message string `json:"message"`
	Image   string `json:"image"`
	ID      string `json:"id"`

	Path  string `json:"-"` // host path of the artifact
	Token int64  `json:"-"`
}

// ImageURL builds the cache-busting retrieval URL for an artifact.
func ImageURL(name string, token int64) string {
	return OutputRoute + name + "?t=" + strconv.FormatInt(token, 10)
}

// Respond turns a classified outcome into either a Response or an *Error.
func Respond(outcome sandbox.Outcome) (*Response, error) {
	switch outcome.Status {
	case sandbox.StatusSuccess:
		token := outcome.Artifact.Token()
		return &Response{
			Message: "Success",
			Image:   ImageURL(outcome.Artifact.Name, token),
			ID:      outcome.ID,
			Path:    outcome.Artifact.Path,
			Token:   token,
		}, nil

	case sandbox.StatusRuntimeFailure:
		if outcome.LaunchFailed() {
			return nil, &Error{
				Kind:    KindLaunchFailure,
				Message: "Docker execution failed",
				Details: outcome.Stderr,
			}
		}
		return nil, &Error{
			Kind:    KindRuntimeFailed,
			Message: "Docker execution failed",
			Details: outcome.Stderr,
		}

	case sandbox.StatusNoOutput:
		return nil, &Error{
			Kind:    KindNoOutput,
			Message: "No output generated",
			Details: outcome.Stderr,
		}

	case sandbox.StatusTimedOut:
		return nil, &Error{
			Kind:    KindTimedOut,
			Message: "Execution timed out",
			Details: outcome.Stderr,
		}

	default:
		return nil, &Error{
			Kind:    KindInternal,
			Message: "Unclassified execution outcome",
			Err:     fmt.Errorf("unknown status %d", outcome.Status),
		}
	}
}
