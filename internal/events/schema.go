package events

import "time"

// SchemaRebuildStart is emitted when the federated schema is being rebuilt.
type SchemaRebuildStart struct {
	Attempt uint64
}

// SchemaRebuildFinish is emitted after a rebuild attempt. Services lists the
// namespaced names that took part in the merge.
type SchemaRebuildFinish struct {
	Attempt  uint64
	Services []string
	Err      error
	Duration time.Duration
}
