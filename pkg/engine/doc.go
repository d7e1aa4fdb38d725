// Package engine provides the shared types, collaborator interfaces and error
// taxonomy of the froyo agent.
//
// # Overview
//
// The agent pulls execution plans from a broker, stages them on disk, runs
// them command by command against an execution backend and publishes the
// results. The pieces meet through the interfaces declared here:
//
//   - MessageSource: authenticated consume with manual acknowledgement, result publish
//   - PlanRunner: the resumable executor for one staged plan file
//   - Admitter: structural and policy checks a plan must pass before it runs
//   - Rebooter: host restart requested by a plan
//   - Verifier: signature gate applied to every inbound payload
//
// # Messages
//
// A Message is a scoped handle. The supervisor stages the body, calls Ack,
// and defers Close; Close returns the delivery to the broker when Ack was
// never reached:
//
//	msg, err := source.GetMessage(ctx)
//	if err != nil || msg == nil {
//	    return err
//	}
//	defer msg.Close()
//	if _, err := store.StagePlan(msg.ID, msg.Body, msg.ReplyTo); err != nil {
//	    return err
//	}
//	return msg.Ack()
//
// # Errors
//
// Errors are classified with AgentError:
//
//   - authentication: bad or missing signature, discarded by the transport
//   - stale: stamp not newer than the watermark, dropped without a result
//   - command: recorded as a failure entry, halts the plan
//   - checkpoint: unreadable partial results, treated as no progress
//   - plan: parse, session or disk failure, reported as a failure result
//   - transport: broker failure, drops the cached connection
//   - admission: rejected by validation or policy, reported as a failure result
//
// Use ClassOf, IsTransport, IsPlan and friends to branch on the class.
package engine
