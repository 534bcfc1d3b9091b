// Package broker defines how task ids travel from the task service to the
// worker: the Publisher and Source contracts, the wire format of a task
// message, the mapping from task priority to broker priority, and an
// in-process priority queue used for embedded deployments and tests.
//
// Transports for real brokers live in internal/platform/amqp and
// internal/platform/redisq.
package broker
