// Package redisq is the Redis transport for the task queue. Messages live in a
// sorted set scored by broker priority and publish time; consumers block on
// BZPOPMAX. A popped message is gone from Redis, so acknowledgements are no-ops
// and a consumer crash loses the messages it held.
package redisq
