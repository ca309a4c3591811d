/*
Package process starts shell commands for the shell agent and exposes the handles the session executor needs: a single combined output stream, signal and kill, and the exit status.

Each command runs as "<shell> -c <command>" in its own process group, so signals reach anything the shell forked. Stdout and stderr share one pipe, which preserves the order in which the child wrote them. Stdin is an open pipe that is never written to; interactive children will block waiting for input until they are cancelled.

When PTY is requested the command is attached to a pseudo-terminal instead of a pipe. This only changes buffering behavior of the child (most programs line-buffer on a TTY); the terminal is never resized and no terminal emulation is done.

The output stream reports io.EOF once every holder of the write side has closed it. That can be later than process exit when the command left background children running, so callers that want "command complete" must wait for both EOF and Done.
*/
package process
