// Package domain contains the task entity, its status state machine and the
// partial-update Field type used by the store. It is independent of any
// storage, transport or delivery mechanism.
package domain
