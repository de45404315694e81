package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/session"
)

type runOptions struct {
	projectDir string
	agent      string
	showTools  bool
}

// runPrompt sends one message through a fresh session and streams loop
// events to out. Questions and plan proposals are answered from in.
func runPrompt(ctx context.Context, opts *rootOptions, ro runOptions, prompt string, in io.Reader, out, errOut io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, false); err != nil {
		return err
	}
	defer logging.Close()

	dir := ro.projectDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if ro.agent != agentloop.ModePlan && ro.agent != agentloop.ModeBuild {
		return session.ErrInvalidAgent
	}

	events := agentloop.NewEventEmitter("", 4096)
	answers := newPrompter(in, errOut)
	var mgr *session.Manager
	mgr = session.NewManager(session.Options{
		Config:     cfg,
		ProjectDir: dir,
		Agent:      ro.agent,
		Events:     events,
		Notify: func(method string, params any) {
			switch method {
			case "question_asked":
				if q, ok := params.(*session.PendingQuestion); ok {
					go answers.question(mgr, q)
				}
			case "plan_exit_proposed":
				if proposed, _ := params.(bool); proposed {
					go answers.plan(mgr)
				}
			}
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printEvents(events.Events(), out, errOut, ro.showTools)
	}()

	reply, err := mgr.SendMessage(ctx, session.SendRequest{Content: prompt})
	events.Close()
	wg.Wait()
	if err != nil {
		return err
	}
	fmt.Fprintf(errOut, "\n[%s] %d input / %d output tokens\n", reply.Agent, reply.InputTokens, reply.OutputTokens)
	return nil
}

func printEvents(ch <-chan agentloop.SessionEvent, out, errOut io.Writer, showTools bool) {
	for ev := range ch {
		switch ev.Kind {
		case agentloop.EventToken:
			fmt.Fprint(out, ev.Data["text"])
		case agentloop.EventToolCall:
			if showTools {
				fmt.Fprintf(errOut, "\n> %v\n", ev.Data["tool_name"])
			}
		case agentloop.EventToolResult:
			if showTools && ev.Data["is_error"] == true {
				fmt.Fprintf(errOut, "! %v failed: %v\n", ev.Data["tool_name"], firstLine(fmt.Sprint(ev.Data["content"])))
			}
		case agentloop.EventSubagentStart:
			fmt.Fprintf(errOut, "\n>> subagent %v: %v\n", ev.Data["agent"], ev.Data["task"])
		case agentloop.EventStatus:
			if ev.Data["status"] == agentloop.StatusLoopDetected {
				fmt.Fprintln(errOut, "\n! repeated tool calls detected")
			}
		case agentloop.EventError:
			fmt.Fprintf(errOut, "\n! %v\n", ev.Data["error"])
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// prompter reads answers to approval prompts one line at a time.
type prompter struct {
	mu  sync.Mutex
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

func (p *prompter) ask(text string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, text)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

func (p *prompter) question(mgr *session.Manager, q *session.PendingQuestion) {
	var sb strings.Builder
	for _, item := range q.Questions {
		fmt.Fprintf(&sb, "\n? %s\n", item.Question)
		for i, o := range item.Options {
			fmt.Fprintf(&sb, "  %d. %s\n", i+1, o.Label)
		}
	}
	sb.WriteString("answer (empty to skip): ")
	line, ok := p.ask(sb.String())
	if !ok || line == "" {
		mgr.SkipQuestion(q.ID)
		return
	}
	mgr.AnswerQuestion(q.ID, []string{optionLabel(q, line)})
}

// optionLabel maps a numeric choice on a single question to its label.
func optionLabel(q *session.PendingQuestion, line string) string {
	if len(q.Questions) != 1 {
		return line
	}
	var n int
	if _, err := fmt.Sscanf(line, "%d", &n); err != nil {
		return line
	}
	opts := q.Questions[0].Options
	if n < 1 || n > len(opts) {
		return line
	}
	return opts[n-1].Label
}

func (p *prompter) plan(mgr *session.Manager) {
	var plan strings.Builder
	for _, key := range mgr.Approvals().Keys() {
		pending, ok := mgr.Approvals().Pending(key)
		if !ok {
			continue
		}
		if proposal, ok := pending.Payload.(*session.PlanProposal); ok {
			b, _ := json.MarshalIndent(proposal.Todos, "", "  ")
			fmt.Fprintf(&plan, "\nPlan %s\n%s\n", proposal.Summary, b)
			line, ok := p.ask(plan.String() + "approve? (type approve, or feedback): ")
			if !ok {
				line = "The user did not answer. Keep planning."
			}
			mgr.Approvals().Resolve(key, line)
			return
		}
	}
}
