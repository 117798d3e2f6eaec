// Package cli implements wardenctl, the operator command line for a guarded
// deployment. Commands talk to the shared database directly, so running
// nodes see blocklist changes on their next refresh.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ipwarden/internal/app/version"
	"ipwarden/internal/auth"
	"ipwarden/internal/blocklist"
	"ipwarden/internal/domain"
	"ipwarden/internal/scanner"
)

// App runs a single wardenctl invocation. SetupStore prepares settings and the
// database and is only called by commands that need them.
type App struct {
	Out        io.Writer
	Err        io.Writer
	SetupStore func() error

	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

type command struct {
	usage string
	store bool
	run   func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"block":         {usage: "block [--reason R] IP...", store: true, run: (*App).block},
	"unblock":       {usage: "unblock IP...", store: true, run: (*App).unblock},
	"scan":          {usage: "scan", store: true, run: (*App).scan},
	"flags":         {usage: "flags", store: true, run: (*App).flags},
	"resolve":       {usage: "resolve ID...", store: true, run: (*App).resolve},
	"token":         {usage: "token --subject S [--role admin] [--ttl 24h]", run: (*App).token},
	"hash-password": {usage: "hash-password PASSWORD", run: (*App).hashPassword},
	"version":       {usage: "version", run: (*App).version},
}

var commandOrder = []string{"block", "unblock", "scan", "flags", "resolve", "token", "hash-password", "version"}

var errUsage = errors.New("usage")

// DefaultTimeout bounds a whole invocation.
const DefaultTimeout = 10 * time.Minute

// Run dispatches args (without the program name) and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	renderer := lipgloss.NewRenderer(a.Out)
	a.success = renderer.NewStyle().Foreground(lipgloss.Color("2"))
	a.warning = renderer.NewStyle().Foreground(lipgloss.Color("3"))
	a.failure = renderer.NewStyle().Foreground(lipgloss.Color("1"))

	if len(args) == 0 {
		a.printUsage()
		return 2
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.Err, "unknown command %q\n\n", args[0])
		a.printUsage()
		return 2
	}

	if cmd.store && a.SetupStore != nil {
		if err := a.SetupStore(); err != nil {
			fmt.Fprintln(a.Err, a.failure.Render("Error: "+err.Error()))
			return 1
		}
	}

	if err := cmd.run(a, ctx, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(a.Err, "usage: wardenctl "+cmd.usage)
			return 2
		}
		fmt.Fprintln(a.Err, a.failure.Render("Error: "+err.Error()))
		return 1
	}
	return 0
}

func (a *App) printUsage() {
	fmt.Fprintln(a.Err, "usage: wardenctl <command> [arguments]")
	fmt.Fprintln(a.Err)
	for _, name := range commandOrder {
		fmt.Fprintln(a.Err, "  "+commands[name].usage)
	}
}

func (a *App) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.Err)
	return fs
}

// parseInterspersed lets flags appear before, between or after positional
// arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// block always exits 0; per address failures are reported inline.
func (a *App) block(ctx context.Context, args []string) error {
	fs := a.newFlagSet("block")
	reason := fs.String("reason", blocklist.DefaultReason, "reason stored with each address")
	ips, err := parseInterspersed(fs, args)
	if err != nil || len(ips) == 0 {
		return errUsage
	}

	result := blocklist.NewManager().AddMany(ctx, ips, strings.TrimSpace(*reason))
	for i, outcome := range result.Outcomes {
		raw := ips[i]
		switch outcome.Status {
		case blocklist.StatusBlocked:
			fmt.Fprintln(a.Out, a.success.Render("Successfully blocked IP: "+outcome.IP))
		case blocklist.StatusAlreadyBlocked:
			fmt.Fprintln(a.Out, a.warning.Render("IP already blocked: "+outcome.IP))
		case blocklist.StatusInvalid:
			fmt.Fprintln(a.Out, a.failure.Render("Invalid IP address: "+raw))
		default:
			fmt.Fprintln(a.Out, a.failure.Render(fmt.Sprintf("Error blocking IP %s: %s", raw, outcome.Error)))
		}
	}

	fmt.Fprintln(a.Out, a.success.Render(fmt.Sprintf(
		"Blocking complete. %d new IPs blocked, %d IPs skipped.", result.Created, result.Skipped)))
	return nil
}

func (a *App) unblock(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	manager := blocklist.NewManager()
	removed := 0
	for _, ip := range args {
		ok, err := manager.Remove(ctx, ip)
		switch {
		case errors.Is(err, blocklist.ErrInvalidAddress):
			fmt.Fprintln(a.Out, a.failure.Render("Invalid IP address: "+ip))
		case err != nil:
			fmt.Fprintln(a.Out, a.failure.Render(fmt.Sprintf("Error unblocking IP %s: %v", ip, err)))
		case ok:
			removed++
			fmt.Fprintln(a.Out, a.success.Render("Unblocked IP: "+ip))
		default:
			fmt.Fprintln(a.Out, a.warning.Render("IP was not blocked: "+ip))
		}
	}

	fmt.Fprintln(a.Out, a.success.Render(fmt.Sprintf("Unblocking complete. %d IPs removed.", removed)))
	return nil
}

func (a *App) scan(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	report, err := scanner.New(nil).Run(ctx)
	fmt.Fprintf(a.Out, "Scanned the %s in %s: %d new flags, %d already open.\n",
		report.Window, report.Duration, report.Created, report.Suppressed)
	reasons := make([]domain.ReasonKind, 0, len(report.ByReason))
	for reason := range report.ByReason {
		reasons = append(reasons, reason)
	}
	slices.Sort(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(a.Out, "  %s: %d\n", reason.DisplayName(), report.ByReason[reason])
	}
	return err
}

func (a *App) flags(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	open, err := scanner.New(nil).Unresolved(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Fprintln(a.Out, a.success.Render("No unresolved suspicious IPs."))
		return nil
	}
	for _, f := range open {
		fmt.Fprintf(a.Out, "%d\t%s\t%s\t%s\n", f.ID, f.IP, f.ReasonKind.DisplayName(), f.Description)
	}
	return nil
}

func (a *App) resolve(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	s := scanner.New(nil)
	var errs []error
	for _, raw := range args {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fmt.Fprintln(a.Out, a.failure.Render("Invalid flag id: "+raw))
			errs = append(errs, fmt.Errorf("invalid flag id %q", raw))
			continue
		}
		resolved, err := s.Resolve(ctx, id)
		if err != nil {
			fmt.Fprintln(a.Out, a.failure.Render(fmt.Sprintf("Could not resolve flag %d: %v", id, err)))
			errs = append(errs, err)
			continue
		}
		fmt.Fprintln(a.Out, a.success.Render(fmt.Sprintf("Resolved flag %d (%s, %s)",
			resolved.ID, resolved.IP, resolved.ReasonKind.DisplayName())))
	}
	return errors.Join(errs...)
}

func (a *App) token(_ context.Context, args []string) error {
	fs := a.newFlagSet("token")
	subject := fs.String("subject", "", "identity placed in the token subject")
	role := fs.String("role", auth.RoleUser, "role claim (admin or user)")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	rest, err := parseInterspersed(fs, args)
	if err != nil || len(rest) != 0 || strings.TrimSpace(*subject) == "" {
		return errUsage
	}
	if *role != auth.RoleAdmin && *role != auth.RoleUser {
		return fmt.Errorf("unknown role %q", *role)
	}

	token, err := auth.GenerateJWT(strings.TrimSpace(*subject), *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, token)
	return nil
}

func (a *App) hashPassword(_ context.Context, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errUsage
	}
	hash, err := auth.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, hash)
	return nil
}

func (a *App) version(_ context.Context, _ []string) error {
	info := version.Get()
	fmt.Fprintf(a.Out, "wardenctl %s (built %s)\n", info.Version, info.BuiltAt)
	return nil
}
