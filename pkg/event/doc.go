// Package event defines the message and ledger types shared across the
// processor.
//
// # Payloads
//
// A Payload is the decoded JSON body of a broker message. Its identifier is
// read from the first present field of inputEventId, eventId and messageId:
//
//	p, _ := event.DecodePayload([]byte(`{"eventId":"e1","amount":10}`))
//	id, field, ok := p.EventID() // "e1", "eventId", true
//
// # Ledger records
//
// A Record is one row of the idempotency ledger. It is created with
// StatusReceived before the handler runs and moves to StatusProcessed or
// StatusFailed afterwards:
//
//	rec, _ := event.NewRecord(id, "balance_update", p, time.Now())
//
// # Archive partitions
//
// Processed records are archived per topic and day, see ArchiveKey.
package event
