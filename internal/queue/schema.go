package queue

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// stateSchemaJSON guards the invariants a hand-edited or corrupted document
// could violate before the typed decode would notice.
const stateSchemaJSON = `{
  "type": "object",
  "required": ["reportTitle", "runId", "config", "jobs"],
  "properties": {
    "reportTitle": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "minLength": 1},
    "config": {
      "type": "object",
      "properties": {
        "maxJobAttempts": {"type": "integer", "minimum": 1},
        "staleClaimMs": {"type": "integer", "minimum": 1},
        "heartbeatIntervalMs": {"type": "integer", "minimum": 1}
      }
    },
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["jobId", "status"],
        "properties": {
          "jobId": {"type": "string", "minLength": 1},
          "status": {"enum": ["PENDING", "CLAIMED", "DONE", "FAILED"]},
          "attempts": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var stateSchema = jsonschema.MustCompileString("queue_state.json", stateSchemaJSON)

// validateState re-encodes the document and checks it against the schema,
// then enforces the cross-field invariants the schema cannot express.
func validateState(st *State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := stateSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	seen := make(map[string]struct{}, len(st.Jobs))
	for i := range st.Jobs {
		job := &st.Jobs[i]
		if _, dup := seen[job.JobID]; dup {
			return fmt.Errorf("%w: duplicate jobId %s", ErrInvalidState, job.JobID)
		}
		seen[job.JobID] = struct{}{}
		if job.Status == StatusClaimed && job.ClaimedBy == "" {
			return fmt.Errorf("%w: job %s CLAIMED without claimedBy", ErrInvalidState, job.JobID)
		}
		if limit := job.maxAttemptsFor(st.Config); job.Attempts > limit {
			return fmt.Errorf("%w: job %s attempts %d exceeds cap %d", ErrInvalidState, job.JobID, job.Attempts, limit)
		}
	}
	return nil
}
