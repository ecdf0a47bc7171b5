package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/ash-run/ash/protocol"
)

// ash-bridge is the development bridge. It listens on the sandbox socket,
// runs the configured agent command under a pty for each query, and streams
// its output back as message events. Without ASH_AGENT_CMD it echoes the
// prompt, which is enough to exercise the whole control plane.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	socketPath := os.Getenv(protocol.EnvBridgeSocket)
	if socketPath == "" {
		logger.Error(protocol.EnvBridgeSocket + " is not set")
		os.Exit(1)
	}
	agentCmd := os.Getenv("ASH_AGENT_CMD")

	// The socket file may linger from a previous run in the same dir.
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		logger.Error("listen", "socket", socketPath, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	b := &bridge{agentCmd: agentCmd, logger: logger}
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error("accept", "error", err)
			os.Exit(1)
		}
		// One peer at a time; the control plane holds a single connection.
		b.serve(conn)
	}
}

type bridge struct {
	agentCmd string
	logger   *slog.Logger

	writeMu sync.Mutex
	conn    net.Conn

	runMu   sync.Mutex
	running *exec.Cmd
}

func (b *bridge) serve(conn net.Conn) {
	defer conn.Close()
	b.conn = conn

	b.send(protocol.Event{Type: protocol.EventReady})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		cmd, err := protocol.DecodeCommand(scanner.Bytes())
		if err != nil {
			b.logger.Warn("malformed command", "error", err)
			continue
		}
		switch cmd.Type {
		case protocol.CommandQuery:
			b.handleQuery(cmd)
		case protocol.CommandInterrupt:
			b.interrupt()
		case protocol.CommandShutdown:
			b.interrupt()
			os.Exit(0)
		default:
			b.logger.Warn("unknown command", "type", cmd.Type)
		}
	}
	b.logger.Info("peer disconnected")
	b.interrupt()
}

func (b *bridge) send(ev protocol.Event) {
	line, err := protocol.EncodeEvent(ev)
	if err != nil {
		b.logger.Warn("encoding event failed", "error", err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.conn.Write(line); err != nil {
		b.logger.Warn("writing event failed", "error", err)
	}
}

func (b *bridge) message(sessionID, text string) {
	payload, _ := json.Marshal(map[string]string{"text": text})
	b.send(protocol.Event{Type: protocol.EventMessage, SessionID: sessionID, Payload: payload})
}

func (b *bridge) handleQuery(cmd protocol.Command) {
	if b.agentCmd == "" {
		b.message(cmd.SessionID, cmd.Prompt)
		b.send(protocol.Event{Type: protocol.EventDone, SessionID: cmd.SessionID})
		return
	}

	if err := b.runAgent(cmd); err != nil {
		b.send(protocol.Event{Type: protocol.EventError, SessionID: cmd.SessionID, Error: err.Error()})
		return
	}
	b.send(protocol.Event{Type: protocol.EventDone, SessionID: cmd.SessionID})
}

// runAgent runs the agent command under a pty so it behaves as if attached
// to a terminal, feeds it the prompt, and relays each output line.
func (b *bridge) runAgent(cmd protocol.Command) error {
	proc := exec.CommandContext(context.Background(), "sh", "-c", b.agentCmd)
	proc.Dir = os.Getenv(protocol.EnvWorkspaceDir)
	proc.Env = append(os.Environ(), "ASH_SESSION_ID="+cmd.SessionID)

	tty, err := pty.Start(proc)
	if err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer tty.Close()

	b.runMu.Lock()
	b.running = proc
	b.runMu.Unlock()
	defer func() {
		b.runMu.Lock()
		b.running = nil
		b.runMu.Unlock()
	}()

	if _, err := io.WriteString(tty, cmd.Prompt+"\n"); err != nil {
		b.logger.Warn("writing prompt failed", "error", err)
	}

	scanner := bufio.NewScanner(tty)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		b.message(cmd.SessionID, scanner.Text())
	}

	if err := proc.Wait(); err != nil {
		return fmt.Errorf("agent exited: %w", err)
	}
	return nil
}

func (b *bridge) interrupt() {
	b.runMu.Lock()
	proc := b.running
	b.runMu.Unlock()
	if proc != nil && proc.Process != nil {
		proc.Process.Signal(syscall.SIGINT)
	}
}
