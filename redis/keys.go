package redis

import "strconv"

// Every key is prefixed with "stepflow:" to avoid collisions. The run id is
// wrapped in braces so all keys of a run hash to the same cluster slot.
const keyPrefix = "stepflow:"

// checkpointKey returns the key for one checkpoint:
// stepflow:ckpt:{runID}:{superstep}
func checkpointKey(runID string, superstep int) string {
	return keyPrefix + "ckpt:{" + runID + "}:" + strconv.Itoa(superstep)
}

// indexKey returns the Sorted Set of a run's supersteps, scored by superstep
func indexKey(runID string) string {
	return keyPrefix + "ckpt_idx:{" + runID + "}"
}

// latestKey holds the newest committed superstep of a run
func latestKey(runID string) string {
	return keyPrefix + "ckpt_latest:{" + runID + "}"
}
