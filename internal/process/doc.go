// Package process supervises the on-device agent launched through the
// device bridge.
//
// A Process runs one command line in its own process group:
//   - Stop sends SIGINT to the group, escalates to SIGKILL after a grace
//     period and returns after a bounded wait
//   - Done closes once the command has exited for any reason
//   - stdout and stderr are re-logged line by line through a LogParser
package process
