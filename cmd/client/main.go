package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/aeolun/minichat/pkg/client"
)

// Version is set at build time via -ldflags
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `minichat %s

Usage:
  minichat create-account -username NAME [-password PASS] [-server ADDR]
  minichat login          -username NAME [-password PASS] [-server ADDR]

The password is prompted for (without echo) when -password is omitted.
Server addresses accept tcp:// (default), ssh:// and ws:// schemes,
e.g. "localhost:50051", "ssh://chat.example.com" or "ws://chat.example.com:50052".
`, Version)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "create-account":
		runCreateAccount(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("minichat %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
	}
}

func accountFlags(name string) (*flag.FlagSet, *string, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := fs.String("server", "localhost:50051", "Server address")
	username := fs.String("username", "", "Account username")
	password := fs.String("password", "", "Account password (prompted when omitted)")
	return fs, server, username, password
}

func dial(address string) *client.Client {
	c, err := client.Dial(address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", address, err)
		os.Exit(1)
	}
	return c
}

// promptPassword reads a password from the terminal without echoing it.
// When stdin is not a terminal (piped input) it falls back to reading a
// plain line.
func promptPassword() string {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
			os.Exit(1)
		}
		return string(raw)
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "Failed to read password: %v\n", err)
		os.Exit(1)
	}
	return strings.TrimRight(line, "\r\n")
}

func runCreateAccount(args []string) {
	fs, server, username, password := accountFlags("create-account")
	fs.Parse(args)
	if *username == "" {
		fmt.Fprintln(os.Stderr, "create-account requires -username")
		os.Exit(2)
	}
	if *password == "" {
		*password = promptPassword()
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "Password must not be empty")
		os.Exit(2)
	}

	c := dial(*server)
	defer c.Close()

	token, err := c.CreateAccount(*username, *password)
	if err != nil {
		if errors.Is(err, client.ErrUsernameTaken) {
			fmt.Fprintf(os.Stderr, "Username %q is already taken\n", *username)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Create account failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Account created: %s\n", *username)
	fmt.Printf("Session token: %s\n", client.FormatToken(token))
}

func runLogin(args []string) {
	fs, server, username, password := accountFlags("login")
	fs.Parse(args)
	if *username == "" {
		fmt.Fprintln(os.Stderr, "login requires -username")
		os.Exit(2)
	}
	if *password == "" {
		*password = promptPassword()
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "Password must not be empty")
		os.Exit(2)
	}

	c := dial(*server)
	defer c.Close()

	result, err := c.Login(*username, *password)
	if err != nil {
		if errors.Is(err, client.ErrAuthFailed) {
			fmt.Fprintln(os.Stderr, "Login failed: invalid username or password")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Logged in as %s\n", *username)
	fmt.Printf("Session token: %s\n", client.FormatToken(result.SessionToken))
	fmt.Printf("Unread messages: %d\n", result.UnreadCount)
}
