// Package amqp is the RabbitMQ transport for the task queue. It provides a
// process-owned Connection plus a broker.Publisher and a broker.Source that
// open their own channels on it. Both sides declare the same durable queue
// with x-max-priority so either may start first.
package amqp
