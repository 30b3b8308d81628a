package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/stockportal/internal/app"
	"github.com/florianilch/stockportal/internal/portal"
	"github.com/florianilch/stockportal/internal/session"
)

// withSession runs fn with a session built from the command's configuration and
// reports a session that ended while fn ran.
func withSession(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app.Config, *app.Session) error) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	sess, err := app.NewSession(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(context.WithoutCancel(ctx)) }()

	started := sess.Ended()
	runErr := fn(ctx, cfg, sess)

	select {
	case <-started:
		if runErr != nil {
			fmt.Fprintln(cmd.Root().ErrWriter, "Session ended. Run `stockportal login` to sign in again.")
		}
	default:
	}

	if errors.Is(runErr, session.ErrUnauthorized) {
		return fmt.Errorf("not logged in: %w", runErr)
	}
	return runErr
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "obtain a token pair and store it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Usage:    "portal username",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "password-stdin",
				Usage: "read the password from stdin instead of prompting",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, func(ctx context.Context, _ *app.Config, sess *app.Session) error {
				password, err := readPassword(cmd)
				if err != nil {
					return err
				}
				if err := sess.Login(ctx, cmd.String("username"), password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().Writer, "Logged in as %s.\n", cmd.String("username"))
				return nil
			})
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "remove the stored tokens",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, func(ctx context.Context, _ *app.Config, sess *app.Session) error {
				if sess.Credential(ctx).IsZero() {
					fmt.Fprintln(cmd.Root().Writer, "Not logged in.")
					return nil
				}
				sess.Logout(ctx)
				fmt.Fprintln(cmd.Root().Writer, "Logged out.")
				return nil
			})
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create a portal account",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "username",
				Aliases:  []string{"u"},
				Usage:    "portal username",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "email",
				Usage:    "email address",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "password-stdin",
				Usage: "read the password from stdin instead of prompting",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, func(ctx context.Context, cfg *app.Config, sess *app.Session) error {
				password, err := readPassword(cmd)
				if err != nil {
					return err
				}

				client, err := portal.New(cfg.API.BaseURL, sess.Client, portal.WithTimeout(cfg.API.Timeout))
				if err != nil {
					return err
				}
				err = client.Register(ctx, portal.Registration{
					Username: cmd.String("username"),
					Email:    cmd.String("email"),
					Password: password,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().Writer, "Account %s created. Run `stockportal login -u %s` to sign in.\n", cmd.String("username"), cmd.String("username"))
				return nil
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the stored session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withSession(ctx, cmd, func(ctx context.Context, cfg *app.Config, sess *app.Session) error {
				return renderStatus(cmd.Root().Writer, cfg, sess.Credential(ctx), time.Now())
			})
		},
	}
}

func renderStatus(w io.Writer, cfg *app.Config, cred session.Credential, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Setting", "Value")

	if err := table.Append("API", cfg.API.BaseURL); err != nil {
		return err
	}
	if err := table.Append("Storage", string(cfg.Credentials.Storage)); err != nil {
		return err
	}
	if err := table.Append("Logged in", yesNo(!cred.IsZero())); err != nil {
		return err
	}
	if err := table.Append("Access token", describeToken(cred.AccessToken, now)); err != nil {
		return err
	}
	if err := table.Append("Refresh token", describeToken(cred.RefreshToken, now)); err != nil {
		return err
	}

	return table.Render()
}

// describeToken reports presence and expiry without revealing the token.
func describeToken(token string, now time.Time) string {
	if token == "" {
		return "(not set)"
	}
	exp, ok := session.AccessTokenExpiry(token)
	if !ok {
		return "present"
	}
	if !exp.After(now) {
		return fmt.Sprintf("expired %s ago", now.Sub(exp).Round(time.Second))
	}
	return fmt.Sprintf("valid for %s (until %s)", exp.Sub(now).Round(time.Second), exp.Local().Format(time.RFC3339))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// readPassword prompts on a terminal or reads one line from stdin.
func readPassword(cmd *cli.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !cmd.Bool("password-stdin") && term.IsTerminal(fd) {
		fmt.Fprint(cmd.Root().ErrWriter, "Password: ")
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.Root().ErrWriter)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}
