// Package ocean maps agent ids to deterministic open-water coordinates
// used as the final resting position of exiled agents.
package ocean
