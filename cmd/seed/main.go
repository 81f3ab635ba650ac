// Command seed creates the first COORDINATOR account interactively.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/term"

	"github.com/LABPAAD/site-paad-backend/internal/auth"
	"github.com/LABPAAD/site-paad-backend/internal/authz"
	"github.com/LABPAAD/site-paad-backend/internal/config"
	"github.com/LABPAAD/site-paad-backend/internal/db"
	"github.com/LABPAAD/site-paad-backend/internal/kv"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
	"github.com/LABPAAD/site-paad-backend/internal/store"
)

// readPassword is swapped in tests to avoid touching the terminal.
var readPassword = term.ReadPassword

type coordinatorInput struct {
	Email    string
	FullName string
	Password string
}

func main() {
	logger := observability.NewLogger()

	if err := run(context.Background(), bufio.NewReader(os.Stdin), os.Stdout, logger); err != nil {
		logger.Error("seed_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, reader *bufio.Reader, w io.Writer, logger *observability.Logger) error {
	cfg, err := config.Load(config.Options{LoadDotEnv: true})
	if err != nil {
		return err
	}

	input, err := promptCoordinator(reader, w)
	if err != nil {
		return err
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(ctx, database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	postgres := store.NewPostgres(database)
	service, err := auth.NewService(postgres, kv.NewMemory(), auth.NewLogDelivery(logger, cfg.FrontendURL, false), logger, auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
	})
	if err != nil {
		return err
	}
	service.WithAccountManagement(postgres, authz.NewGate(postgres, logger))

	if err := service.BootstrapAdmin(ctx, input.Email, input.Password, input.FullName); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "coordinator %s is ready\n", input.Email)
	return nil
}

func promptCoordinator(reader *bufio.Reader, w io.Writer) (coordinatorInput, error) {
	email, err := promptLine(reader, "Coordinator email", w)
	if err != nil {
		return coordinatorInput{}, err
	}
	fullName, err := promptLine(reader, "Full name", w)
	if err != nil {
		return coordinatorInput{}, err
	}

	password, err := promptPassword(w, "Password: ")
	if err != nil {
		return coordinatorInput{}, err
	}
	confirm, err := promptPassword(w, "Repeat password: ")
	if err != nil {
		return coordinatorInput{}, err
	}
	if password != confirm {
		return coordinatorInput{}, errors.New("passwords do not match")
	}
	if email == "" || password == "" {
		return coordinatorInput{}, errors.New("email and password are required")
	}

	return coordinatorInput{Email: email, FullName: fullName, Password: password}, nil
}

func promptLine(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return "", err
	}
	raw, err := readPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
