package events

import (
	"time"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// RecordKey identifies the destination row an event applies to
type RecordKey struct {
	ID string `json:"id" bson:"_id"`
}

/*
RecordEvent is a record change event as published to message destinations.
Action: <create|insert|delete>
Collection is the destination table, topic suffix or index the sync targets.
Key is the primary key signature, or the data signature for syncs without one.
Data holds the full record; deletes carry the deletion marker field.
*/
type RecordEvent struct {
	SyncID        string                   `json:"sync_id"`
	RunID         string                   `json:"run_id"`
	Action        models.DestinationAction `json:"action"`
	Collection    string                   `json:"collection"`
	Key           RecordKey                `json:"key"`
	DataSignature string                   `json:"data_signature"`
	Data          models.Record            `json:"data"`
	CreatedAt     time.Time                `json:"created_at"`
}

// FromWriteRecord builds the event for rec addressed at collection
func FromWriteRecord(rec *models.SyncWriteRecord, collection, key string) RecordEvent {
	return RecordEvent{
		SyncID:        rec.SyncID,
		RunID:         rec.SyncRunID,
		Action:        rec.Action,
		Collection:    collection,
		Key:           RecordKey{ID: key},
		DataSignature: rec.DataSignature,
		Data:          rec.Record,
		CreatedAt:     rec.CreatedAt,
	}
}

func (e RecordEvent) IsDelete() bool {
	return e.Action == models.DestinationActionDelete
}
