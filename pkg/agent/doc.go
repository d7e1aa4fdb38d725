// Package agent runs the agent's main loop.
//
// The Supervisor owns a single worker loop. Each iteration uploads results
// left over from earlier runs, picks the next plan (a staged file first,
// otherwise the next broker message), admits and executes it, and reboots
// the host when the plan asks for it. Loop failures back off quadratically
// and the loop resumes; plans are never processed concurrently.
package agent
