package broker

import "github.com/phrazzld/scry-tasks/internal/domain"

// Broker priorities for each task priority. Larger is delivered first.
const (
	PriorityLow     uint8 = 2
	PriorityMedium  uint8 = 5
	PriorityHigh    uint8 = 9
	PriorityDefault       = PriorityMedium
)

// PriorityFor maps a task priority to the numeric broker priority.
// Unknown priorities get PriorityDefault.
func PriorityFor(p domain.TaskPriority) uint8 {
	switch p {
	case domain.TaskPriorityLow:
		return PriorityLow
	case domain.TaskPriorityMedium:
		return PriorityMedium
	case domain.TaskPriorityHigh:
		return PriorityHigh
	default:
		return PriorityDefault
	}
}
