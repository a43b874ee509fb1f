// Command portalctl is the operator tool for the portal auth service: it
// hashes passwords, enrolls second factors, inspects session tokens and
// provisions users in Postgres.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"corpportal.org/internal/auth"
	"corpportal.org/internal/store/pg"
)

var errUsage = errors.New("usage")

func main() {
	err := run(os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) {
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "portalctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "hash-password":
		return runHashPassword(rest, out)
	case "totp-enroll":
		return runTOTPEnroll(rest, out)
	case "backup-codes":
		return runBackupCodes(rest, out)
	case "inspect-token":
		return runInspectToken(rest, out)
	case "create-user":
		return runCreateUser(rest, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runHashPassword(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	useBcrypt := fs.Bool("bcrypt", false, "Emit a bcrypt hash instead of argon2id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: hash-password [-bcrypt] <password>", errUsage)
	}
	hash, err := hashPassword(fs.Arg(0), *useBcrypt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

func hashPassword(password string, useBcrypt bool) (string, error) {
	if useBcrypt {
		return auth.HashPasswordBcrypt(password)
	}
	return auth.HashPassword(password)
}

func runTOTPEnroll(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("totp-enroll", flag.ContinueOnError)
	issuer := fs.String("issuer", "Corporate Portal", "Issuer shown in authenticator apps")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: totp-enroll [-issuer name] <email>", errUsage)
	}
	key, err := auth.EnrollTOTP(*issuer, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "secret: %s\nurl: %s\n", key.Secret(), key.URL())
	return nil
}

func runBackupCodes(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backup-codes", flag.ContinueOnError)
	n := fs.Int("n", 10, "Number of codes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codes, err := auth.GenerateBackupCodes(*n)
	if err != nil {
		return err
	}
	for _, code := range codes {
		fmt.Fprintf(out, "%s  %s\n", code, auth.HashBackupCode(code))
	}
	return nil
}

type tokenReport struct {
	Status      string    `json:"status"`
	SubjectID   string    `json:"subject_id,omitempty"`
	Email       string    `json:"email,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func runInspectToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect-token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("PORTAL_SESSION_SECRET"), "Session signing secret")
	issuer := fs.String("issuer", auth.DefaultIssuer, "Expected token issuer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: inspect-token [-secret s] [-issuer i] <token>", errUsage)
	}
	issuerSvc, err := auth.NewSessionIssuer([]byte(*secret), auth.WithTokenIssuer(*issuer))
	if err != nil {
		return err
	}
	session, status := issuerSvc.Reconstitute(fs.Arg(0))
	report := tokenReport{Status: status.String()}
	if status == auth.TokenValid {
		report.SubjectID = session.Identity.SubjectID
		report.Email = session.Identity.Email
		report.Roles = auth.RoleStrings(session.Identity.Roles)
		report.Permissions = session.Permissions.Strings()
		report.IssuedAt = session.IssuedAt
		report.ExpiresAt = session.ExpiresAt
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runCreateUser(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	var (
		dsn        = fs.String("dsn", os.Getenv("PORTAL_PG_DSN"), "PostgreSQL DSN")
		email      = fs.String("email", "", "Login email")
		password   = fs.String("password", "", "Initial password")
		name       = fs.String("name", "", "Display name")
		department = fs.String("department", "", "Department")
		position   = fs.String("position", "", "Position")
		roles      = fs.String("roles", "", "Comma-separated roles")
		withTOTP   = fs.Bool("totp", false, "Enroll TOTP and print backup codes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" || *email == "" || *password == "" {
		return fmt.Errorf("%w: create-user -dsn ... -email ... -password ...", errUsage)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := store.CreateUser(ctx, pg.NewUser{
		Email:        *email,
		DisplayName:  *name,
		Department:   *department,
		Position:     *position,
		PasswordHash: hash,
		Roles:        splitList(*roles),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s (%s)\n", *email, id)
	if !*withTOTP {
		return nil
	}

	key, err := auth.EnrollTOTP("Corporate Portal", *email)
	if err != nil {
		return err
	}
	codes, err := auth.GenerateBackupCodes(10)
	if err != nil {
		return err
	}
	if err := store.EnableTwoFactor(ctx, id, key.Secret(), codes); err != nil {
		return err
	}
	fmt.Fprintf(out, "totp url: %s\nbackup codes:\n", key.URL())
	for _, code := range codes {
		fmt.Fprintf(out, "  %s\n", code)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [flags]

commands:
  hash-password [-bcrypt] <password>
  totp-enroll [-issuer name] <email>
  backup-codes [-n count]
  inspect-token [-secret s] [-issuer i] <token>
  create-user -dsn ... -email ... -password ... [-roles a,b] [-totp]
`, os.Args[0])
	os.Exit(2)
}
