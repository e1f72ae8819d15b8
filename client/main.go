// Command client is a line-oriented terminal client for the chat relay.
//
//	/reg <login> <secret>   register, or log in if the login exists
//	/del <login>            delete an account (the server then disconnects)
//	/quit                   leave
//	anything else           send as a message from the registered login
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"chatrelay/protocol"
)

func main() {
	serverAddr := flag.String("server", "localhost:3215", "chat relay address (host:port)")
	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	go func() {
		// Replies and broadcasts are plain newline-terminated lines.
		io.Copy(os.Stdout, conn)
		fmt.Fprintln(os.Stderr, "connection closed")
		os.Exit(0)
	}()

	s := &shell{conn: conn}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := s.exec(scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

type shell struct {
	conn  io.Writer
	login string
}

func (s *shell) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var cmd protocol.Command
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/reg":
		if len(fields) != 3 {
			return errors.New("usage: /reg <login> <secret>")
		}
		s.login = fields[1]
		cmd = protocol.Register{Login: fields[1], Secret: fields[2]}
	case "/del":
		if len(fields) != 2 {
			return errors.New("usage: /del <login>")
		}
		cmd = protocol.DeleteAccount{Login: fields[1]}
	default:
		if strings.HasPrefix(line, "/") {
			return fmt.Errorf("unknown command %s", fields[0])
		}
		if s.login == "" {
			return errors.New("register first with /reg <login> <secret>")
		}
		cmd = protocol.Message{Sender: s.login, Body: line}
	}

	wire, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(wire)
	return err
}
