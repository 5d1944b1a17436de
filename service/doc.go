// Package service is the replicated counter store requests operate on.
package service
