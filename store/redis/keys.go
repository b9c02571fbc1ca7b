package redis

// Redis key naming conventions for stepflow data.
// All keys are prefixed with "stepflow:" to avoid collisions.

const keyPrefix = "stepflow:"

// runKey returns the key for a run entity: stepflow:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// stepKey returns the key for a step record: stepflow:step:{runID}:{name}
func stepKey(runID, name string) string {
	return keyPrefix + "step:" + runID + ":" + name
}

// stepIndexKey returns the Set key tracking step names for a run.
func stepIndexKey(runID string) string {
	return keyPrefix + "step_idx:" + runID
}
