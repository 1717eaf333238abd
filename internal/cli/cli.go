// Package cli is the interactive service boundary: register/login, manage
// threads, and chat inside a thread. It is deliberately thin; every rule
// lives in the stores and the session engine.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/models"
	"github.com/miam-bot/miam/internal/session"
	"github.com/miam-bot/miam/internal/storage"
)

type App struct {
	store  storage.Store
	engine *session.Engine
	logger *zap.Logger

	in  *bufio.Scanner
	out io.Writer

	user *models.User
}

func New(store storage.Store, engine *session.Engine, in io.Reader, out io.Writer, logger *zap.Logger) *App {
	return &App{
		store:  store,
		engine: engine,
		logger: logger,
		in:     bufio.NewScanner(in),
		out:    out,
	}
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) readLine(prompt string) (string, bool) {
	a.printf("%s", prompt)
	if !a.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(a.in.Text()), true
}

// Run drives the command loop until EOF or quit.
func (a *App) Run(ctx context.Context) error {
	a.printf("miam — your culinary assistant. Type 'help' for commands.\n")
	for {
		prompt := "> "
		if a.user != nil {
			prompt = a.user.FirstName + "> "
		}
		line, ok := a.readLine(prompt)
		if !ok {
			return a.in.Err()
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "quit", "exit":
			return nil
		case "help":
			a.help()
		case "register":
			a.register(ctx)
		case "login":
			a.login(ctx)
		case "logout":
			a.user = nil
			a.printf("Logged out.\n")
		case "threads":
			a.listThreads(ctx)
		case "new":
			a.createThread(ctx, strings.Join(args, " "))
		case "open":
			a.openThread(ctx, args)
		case "rename":
			a.renameThread(ctx, args)
		case "delete":
			a.deleteThread(ctx, args)
		case "profile":
			a.profile(ctx)
		case "passwd":
			a.changePassword(ctx)
		default:
			a.printf("Unknown command %q. Type 'help' for commands.\n", cmd)
		}
	}
}

func (a *App) help() {
	a.printf(`Commands:
  register            create an account
  login               sign in
  logout              sign out
  threads             list your conversations
  new [name]          start a new conversation
  open <id>           chat in a conversation (/back to leave)
  rename <id> <name>  rename a conversation
  delete <id>         delete a conversation
  profile             show your profile
  passwd              change your password
  quit                exit
`)
}

// reportErr maps the error taxonomy to user-facing behavior: actionable
// messages for auth/validation, a retry hint for transient failures.
func (a *App) reportErr(err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		a.printf("Invalid input: %v\n", err)
	case errors.Is(err, apperr.ErrDuplicateEmail):
		a.printf("That email is already registered.\n")
	case errors.Is(err, apperr.ErrAuthentication):
		a.printf("Invalid email or password.\n")
	case errors.Is(err, apperr.ErrNotFound):
		a.printf("Not found: %v\n", err)
	case apperr.Retryable(err):
		a.printf("The assistant is unavailable right now, please try again.\n")
	default:
		a.logger.Error("command failed", zap.Error(err))
		a.printf("Something went wrong: %v\n", err)
	}
}

func (a *App) requireLogin() bool {
	if a.user == nil {
		a.printf("Please 'login' or 'register' first.\n")
		return false
	}
	return true
}

func (a *App) register(ctx context.Context) {
	var p models.Profile
	var ok bool
	if p.FirstName, ok = a.readLine("First name: "); !ok {
		return
	}
	if p.LastName, ok = a.readLine("Last name: "); !ok {
		return
	}
	if p.Email, ok = a.readLine("Email: "); !ok {
		return
	}
	password, ok := a.readLine("Password: ")
	if !ok {
		return
	}

	user, err := a.store.Register(ctx, p, password)
	if err != nil {
		a.reportErr(err)
		return
	}
	a.user = user
	a.printf("Welcome, %s! Your account is ready.\n", user.FirstName)
}

func (a *App) login(ctx context.Context) {
	email, ok := a.readLine("Email: ")
	if !ok {
		return
	}
	password, ok := a.readLine("Password: ")
	if !ok {
		return
	}

	user, err := a.store.Authenticate(ctx, email, password)
	if err != nil {
		a.reportErr(err)
		return
	}
	a.user = user
	a.printf("Welcome back, %s!\n", user.FirstName)
}

func (a *App) listThreads(ctx context.Context) {
	if !a.requireLogin() {
		return
	}
	threads, err := a.store.ListThreads(ctx, a.user.ID)
	if err != nil {
		a.reportErr(err)
		return
	}
	if len(threads) == 0 {
		a.printf("No conversations yet. Start one with 'new'.\n")
		return
	}
	for _, t := range threads {
		status := ""
		if !t.IsActive {
			status = " (archived)"
		}
		a.printf("  %d  %s%s  (updated %s)\n", t.ID, t.Name, status, t.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func (a *App) createThread(ctx context.Context, name string) {
	if !a.requireLogin() {
		return
	}
	thread, err := a.store.CreateThread(ctx, a.user.ID, name)
	if err != nil {
		a.reportErr(err)
		return
	}
	a.printf("Created conversation %d: %s\n", thread.ID, thread.Name)
	a.chat(ctx, thread.ID)
}

func (a *App) parseThreadID(args []string) (int64, bool) {
	if len(args) == 0 {
		a.printf("Which conversation? Give its id.\n")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		a.printf("%q is not a conversation id.\n", args[0])
		return 0, false
	}
	return id, true
}

func (a *App) openThread(ctx context.Context, args []string) {
	if !a.requireLogin() {
		return
	}
	id, ok := a.parseThreadID(args)
	if !ok {
		return
	}
	details, err := a.store.GetThreadDetails(ctx, id)
	if err != nil || details.UserID != a.user.ID {
		a.reportErr(apperr.NotFound("thread", id))
		return
	}
	a.printf("%s — %d messages so far.\n", details.Name, details.MessageCount)
	a.chat(ctx, id)
}

func (a *App) renameThread(ctx context.Context, args []string) {
	if !a.requireLogin() {
		return
	}
	id, ok := a.parseThreadID(args)
	if !ok {
		return
	}
	if len(args) < 2 {
		a.printf("Give the new name: rename <id> <name>\n")
		return
	}
	name := strings.Join(args[1:], " ")
	if _, err := a.store.UpdateThread(ctx, id, &name, nil); err != nil {
		a.reportErr(err)
		return
	}
	a.printf("Renamed conversation %d.\n", id)
}

func (a *App) deleteThread(ctx context.Context, args []string) {
	if !a.requireLogin() {
		return
	}
	id, ok := a.parseThreadID(args)
	if !ok {
		return
	}
	if err := a.store.DeleteThread(ctx, id); err != nil {
		a.reportErr(err)
		return
	}
	a.printf("Deleted conversation %d.\n", id)
}

func (a *App) profile(ctx context.Context) {
	if !a.requireLogin() {
		return
	}
	user, err := a.store.GetProfile(ctx, a.user.ID)
	if err != nil {
		a.reportErr(err)
		return
	}
	a.printf("%s %s <%s>\n", user.FirstName, user.LastName, user.Email)
	a.printf("  conversations: %d, tokens used: %d\n", user.ThreadCount, user.TokenCount)
	if user.LastLogin != nil {
		a.printf("  last login: %s\n", user.LastLogin.Format("2006-01-02 15:04"))
	}
}

func (a *App) changePassword(ctx context.Context) {
	if !a.requireLogin() {
		return
	}
	current, ok := a.readLine("Current password: ")
	if !ok {
		return
	}
	next, ok := a.readLine("New password: ")
	if !ok {
		return
	}
	if err := a.store.ChangePassword(ctx, a.user.ID, current, next); err != nil {
		a.reportErr(err)
		return
	}
	a.printf("Password changed.\n")
}

// chat runs the turn loop for one thread. An empty line is still a turn; the
// engine treats empty input as valid, ambiguous input.
func (a *App) chat(ctx context.Context, threadID int64) {
	a.printf("Chatting in conversation %d. Type /back to leave.\n", threadID)
	for {
		line, ok := a.readLine("you: ")
		if !ok {
			return
		}
		if line == "/back" {
			return
		}

		result, err := a.engine.HandleTurn(ctx, a.user.ID, threadID, models.Message{Content: line})
		if err != nil {
			a.reportErr(err)
			if !apperr.Retryable(err) {
				return
			}
			continue
		}

		a.printf("miam: %s\n", result.Reply.Content)
		if !result.Done {
			a.printf("(still collecting details)\n")
		}
	}
}
