/*
Package bridge pairs one client connection with one spawned server process and relays bytes between them.

The process is scoped to the connection: if the connection dies for any reason, the process is killed, and if the process
exits, the connection is closed. Bytes are relayed unmodified in both directions.

There are two ways to reach the spawned server, selected by config.Mode:

 1. stdio: client bytes are written to the child's stdin, and the child's stdout is written to the client.
    The child's stderr is logged.
 2. tcp: a port is chosen from config.SpawnPorts and substituted into the arguments. After config.StartupDelay the
    bridge dials the port on the loopback interface every config.DialInterval until it connects, or the child exits.
    The child's stdout and stderr are logged.

A session ends when:

  - the child closes its output (or exits),
  - either copy loop fails,
  - the context is done, or
  - the client closes its side and the child has not finished within config.ShutdownGrace.
    The child's input is closed as soon as the client's side ends, so well-behaved servers exit on their own.

On every one of these paths the child is killed if still running and waited for, and both streams are closed.
*/
package bridge
