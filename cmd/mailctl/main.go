// Command mailctl administers the SQLite-backed user store mailcore-smtpd
// and mailcore-imapd authenticate against.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/infodancer/mailcore/internal/auth"
	"github.com/infodancer/mailcore/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "add":
		return runAdd(rest)
	case "delete":
		return runDelete(rest)
	case "list":
		return runList(rest)
	case "exists":
		return runExists(rest)
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, "usage: mailctl <add|delete|list|exists> [flags]")
	return fmt.Errorf("unknown or missing subcommand")
}

func openStore(dbPath string) (*auth.Store, error) {
	if dbPath == "" {
		dbPath = config.Default().Storage.AuthDBPath
	}
	return auth.NewStore(dbPath)
}

func runAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the auth database")
	email := fs.String("email", "", "user's email address")
	password := fs.String("password", "", "password (prompted on stdin if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("add: -email is required")
	}

	pass := *password
	if pass == "" {
		var err error
		pass, err = readPassword("Password: ")
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer store.Close()

	if err := store.AddUser(context.Background(), *email, pass); err != nil {
		return fmt.Errorf("adding user: %w", err)
	}
	fmt.Printf("added %s\n", *email)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the auth database")
	email := fs.String("email", "", "user's email address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("delete: -email is required")
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer store.Close()

	if err := store.DeleteUser(context.Background(), *email); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	fmt.Printf("deleted %s\n", *email)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the auth database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer store.Close()

	users, err := store.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	for _, u := range users {
		fmt.Println(u)
	}
	return nil
}

func runExists(args []string) error {
	fs := flag.NewFlagSet("exists", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the auth database")
	email := fs.String("email", "", "user's email address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("exists: -email is required")
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer store.Close()

	ok, err := store.UserExists(context.Background(), *email)
	if err != nil {
		return fmt.Errorf("checking user: %w", err)
	}
	if ok {
		fmt.Printf("%s exists\n", *email)
	} else {
		fmt.Printf("%s does not exist\n", *email)
		os.Exit(1)
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
