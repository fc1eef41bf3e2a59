package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/session"
)

// rememberImportance is the importance of facts pinned with /remember.
const rememberImportance = 0.8

// RegisterBuiltins registers the session commands.
func RegisterBuiltins(reg *Registry) {
	reg.Register(helpCommand(reg))
	reg.Register(statusCommand())
	reg.Register(charactersCommand())
	reg.Register(participantsCommand())
	reg.Register(worldCommand())
	reg.Register(memoryCommand())
	reg.Register(rememberCommand())
	reg.Register(compactCommand())
	reg.Register(saveCommand())
	reg.Register(scenarioCommand())
}

// ---------------------------------------------------------------------------
// /help
// ---------------------------------------------------------------------------

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *Context) (*Result, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  /%s - %s\n", c.Name, c.Description)
				if c.Usage != "" {
					fmt.Fprintf(&b, "    Usage: %s\n", c.Usage)
				}
			}
			return &Result{Content: b.String()}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /status
// ---------------------------------------------------------------------------

func statusCommand() *Command {
	return &Command{
		Name:        "status",
		Description: "Show session statistics and the last context build",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, cc *Context) (*Result, error) {
			st := cc.Session.Stats()
			var b strings.Builder
			fmt.Fprintf(&b, "Session %s", st.ID)
			if st.Scenario != "" {
				fmt.Fprintf(&b, " (%s)", st.Scenario)
			}
			fmt.Fprintf(&b, "\n  Log: %d entries, %d tokens\n", st.LogEntries, st.LogTokens)
			fmt.Fprintf(&b, "  Memory: %d raw (%d tokens), %d summaries (%d tokens)\n",
				st.Memory.Raw, st.Memory.RawTokens, st.Memory.Summaries, st.Memory.SummaryTokens)
			if lb := st.LastBuild; lb != nil {
				fmt.Fprintf(&b, "  Last context: %d/%d tokens (%.1f%%), %d spilled\n",
					lb.TotalTokens, lb.Budget, lb.Utilization*100, lb.Spilled)
			}
			return &Result{Content: b.String(), Data: st}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /characters [name]
// ---------------------------------------------------------------------------

func charactersCommand() *Command {
	return &Command{
		Name:        "characters",
		Description: "List characters, or show what the session knows about one",
		Usage:       "/characters [name]",
		Handler: func(_ context.Context, args string, cc *Context) (*Result, error) {
			if args != "" {
				view := cc.Session.CharacterContext(args, 0, 0)
				var b strings.Builder
				fmt.Fprintf(&b, "%s", view.Name)
				if view.Active {
					b.WriteString(" (active)")
				}
				b.WriteByte('\n')
				if view.Sheet != "" {
					fmt.Fprintf(&b, "  %s\n", view.Sheet)
				}
				fmt.Fprintf(&b, "  %d memories, %d recent mentions\n", len(view.Memories), len(view.Mentions))
				for _, m := range view.Memories {
					fmt.Fprintf(&b, "    [%.2f] %s\n", m.Importance, m.Content)
				}
				return &Result{Content: b.String(), Data: view}, nil
			}

			snap := cc.Session.Snapshot()
			active := make(map[string]bool, len(snap.Participants))
			for _, p := range snap.Participants {
				active[p] = true
			}
			names := make([]string, 0, len(snap.CharacterSheets))
			for name := range snap.CharacterSheets {
				names = append(names, name)
			}
			for _, p := range snap.Participants {
				if _, ok := snap.CharacterSheets[p]; !ok {
					names = append(names, p)
				}
			}
			if len(names) == 0 {
				return &Result{Content: "No characters yet."}, nil
			}
			sort.Strings(names)
			var b strings.Builder
			b.WriteString("Characters:\n")
			for _, name := range names {
				marker := " "
				if active[name] {
					marker = "*"
				}
				fmt.Fprintf(&b, "  %s %s\n", marker, name)
			}
			return &Result{Content: b.String(), Data: names}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /participants [a, b, ...]
// ---------------------------------------------------------------------------

func participantsCommand() *Command {
	return &Command{
		Name:        "participants",
		Description: "Show or set the active characters",
		Usage:       "/participants [name, name, ...]",
		Handler: func(_ context.Context, args string, cc *Context) (*Result, error) {
			if args != "" {
				var names []string
				for _, n := range strings.Split(args, ",") {
					if n = strings.TrimSpace(n); n != "" {
						names = append(names, n)
					}
				}
				cc.Session.SetParticipants(names...)
			}
			active := cc.Session.Participants()
			if len(active) == 0 {
				return &Result{Content: "No active characters."}, nil
			}
			return &Result{Content: "Active: " + strings.Join(active, ", "), Data: active}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /world [state]
// ---------------------------------------------------------------------------

func worldCommand() *Command {
	return &Command{
		Name:        "world",
		Description: "Show or replace the world state",
		Usage:       "/world [new state]",
		Handler: func(_ context.Context, args string, cc *Context) (*Result, error) {
			if args != "" {
				cc.Session.SetWorldState(args)
				return &Result{Content: "World state updated."}, nil
			}
			state := cc.Session.Snapshot().WorldState
			if state == "" {
				return &Result{Content: "No world state set."}, nil
			}
			return &Result{Content: state}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /memory [query]
// ---------------------------------------------------------------------------

func memoryCommand() *Command {
	return &Command{
		Name:        "memory",
		Description: "Show the strongest memories of the active characters, optionally matching a query",
		Usage:       "/memory [query]",
		Handler: func(_ context.Context, args string, cc *Context) (*Result, error) {
			recs := cc.Session.Store().Query(memory.Filter{
				Participants: cc.Session.Participants(),
				Query:        args,
				Limit:        10,
			})
			if len(recs) == 0 {
				return &Result{Content: "No memories found."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Memories (%d):\n", len(recs))
			for _, r := range recs {
				who := "everyone"
				if !r.Global() {
					who = strings.Join(r.Participants, ", ")
				}
				fmt.Fprintf(&b, "  [%s %.2f] %s (%s)\n", r.Kind, r.Importance, r.Content, who)
			}
			return &Result{Content: b.String(), Data: recs}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /remember [importance] text
// ---------------------------------------------------------------------------

func rememberCommand() *Command {
	return &Command{
		Name:        "remember",
		Description: "Pin a fact to long-term memory for the active characters",
		Usage:       "/remember [0.0-1.0] <text>",
		Handler: func(ctx context.Context, args string, cc *Context) (*Result, error) {
			importance := rememberImportance
			if first, rest, ok := strings.Cut(args, " "); ok {
				if v, err := strconv.ParseFloat(first, 64); err == nil {
					importance = v
					args = strings.TrimSpace(rest)
				}
			}
			if args == "" {
				return &Result{Content: "Usage: /remember [0.0-1.0] <text>"}, nil
			}
			rec, err := cc.Session.AddMemory(ctx, args, cc.Session.Participants(), importance)
			if errors.Is(err, memory.ErrInvalidInput) {
				return &Result{Content: "Cannot remember that: " + err.Error()}, nil
			}
			if err != nil {
				return nil, err
			}
			return &Result{Content: fmt.Sprintf("Remembered (%.2f).", rec.Importance), Data: rec}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /compact
// ---------------------------------------------------------------------------

func compactCommand() *Command {
	return &Command{
		Name:        "compact",
		Description: "Run memory compaction now",
		Usage:       "/compact",
		Handler: func(ctx context.Context, _ string, cc *Context) (*Result, error) {
			res, err := cc.Session.Compact(ctx)
			if errors.Is(err, session.ErrNoCompactor) {
				return &Result{Content: "Compaction is not configured."}, nil
			}
			if err != nil {
				return nil, err
			}
			return &Result{
				Content: fmt.Sprintf("Compacted %d of %d groups: %d -> %d tokens.",
					res.Compacted, res.Groups, res.TokensBefore, res.TokensAfter),
				Data: res,
			}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /save
// ---------------------------------------------------------------------------

func saveCommand() *Command {
	return &Command{
		Name:        "save",
		Description: "Persist the session",
		Usage:       "/save",
		Handler: func(ctx context.Context, _ string, cc *Context) (*Result, error) {
			if cc.Sessions == nil {
				return &Result{Content: "Persistence is not configured."}, nil
			}
			if err := cc.Sessions.Save(ctx, cc.Session.ID()); err != nil {
				return nil, err
			}
			return &Result{Content: "Session saved."}, nil
		},
	}
}

// ---------------------------------------------------------------------------
// /scenario
// ---------------------------------------------------------------------------

func scenarioCommand() *Command {
	return &Command{
		Name:        "scenario",
		Description: "Show the scenario the session runs in",
		Usage:       "/scenario",
		Handler: func(_ context.Context, _ string, cc *Context) (*Result, error) {
			p := cc.Session.Scenario()
			if p.Name == "" && p.Description == "" {
				return &Result{Content: "No scenario loaded."}, nil
			}
			return &Result{Content: p.Prompt(), Data: p}, nil
		},
	}
}
