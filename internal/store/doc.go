// Package store defines interfaces for persistence dependencies that sit
// beside the task table (e.g. per-key run statistics). Implementations live in
// other packages; this package must not import database drivers or concrete
// clients.
package store
