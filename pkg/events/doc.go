/*
Package events provides the in-process pub/sub broker behind the live event
stream: job lifecycle transitions, runner liveness changes, project status
moves, and retention sweep completions.

The broker is fire-and-forget. Publishers never block on slow consumers: a
subscriber whose buffer is full simply misses events. Consumers that need a
complete record read the audit log or run events from storage; this stream
exists for dashboards and `clawlets events --follow`.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Printf("%s %s %s\n", event.Timestamp, event.Type, event.Message)
	}

Publishers fill in what they know; ID and Timestamp default at publish:

	broker.Publish(&events.Event{
		Type:      events.EventJobFailed,
		ProjectID: job.ProjectID,
		Message:   "attempt cap exceeded",
		Metadata:  map[string]string{"job_id": job.ID},
	})

# Delivery Semantics

  - At-most-once per subscriber (full buffers drop)
  - No ordering guarantee across publishers
  - Events carry no secrets: messages pass the same redaction as stored
    error messages before publish
*/
package events
