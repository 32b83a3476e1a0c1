package config

type WorkerKeyStruct struct {
	// SyncOutboxQueue holds kiosk pushes that failed and await retry.
	SyncOutboxQueue string
	// PersistEventsQueue holds accepted proctoring events awaiting batch insert.
	PersistEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	SyncOutboxQueue:    "sync_outbox_queue",
	PersistEventsQueue: "persist_proctoring_events_queue",
}
