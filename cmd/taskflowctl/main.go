// Command taskflowctl is the operator CLI: it inspects and mutates
// the task store directly, for the cases a running taskflowd isn't
// needed (listing tasks, filing a new one, force-unblocking a stuck
// one) or isn't available.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/d0labs/taskflow/internal/instance"
	"github.com/d0labs/taskflow/internal/store"
)

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "data directory to operate on")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(*dataDir, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "taskflowctl:", err)
		os.Exit(1)
	}
}

func run(dataDir, cmd string, args []string) error {
	switch cmd {
	case "status":
		return cmdStatus(dataDir)
	case "list":
		return cmdList(dataDir, args)
	case "show":
		return cmdShow(dataDir, args)
	case "create":
		return cmdCreate(dataDir, args)
	case "block":
		return cmdBlock(dataDir, args)
	case "unblock":
		return cmdUnblock(dataDir, args)
	case "cancel":
		return cmdCancel(dataDir, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdStatus(dataDir string) error {
	status, err := instance.FindRunning(dataDir)
	if err != nil {
		return err
	}
	if status == nil {
		fmt.Println("no daemon running against", dataDir)
		return nil
	}
	fmt.Printf("taskflowd pid=%d dataDir=%s\n", status.PID, status.DataDir)
	return nil
}

func cmdList(dataDir string, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	project := fs.String("project", "", "filter by project")
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}

	var tasks []*store.Task
	switch {
	case *status != "":
		tasks = s.ListByStatus(store.Status(*status))
	case *project != "":
		tasks = s.ListByProject(*project)
	default:
		tasks = s.List()
	}

	for _, t := range tasks {
		fmt.Printf("%-16s %-10s %-8s %s\n", t.ID, t.Status, t.Priority, t.Title)
	}
	return nil
}

func cmdShow(dataDir string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskflowctl show <task-id>")
	}
	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}
	t, ok := s.Get(args[0])
	if !ok {
		t, err = s.GetByPrefix(args[0])
		if err != nil {
			return err
		}
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func cmdCreate(dataDir string, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	title := fs.String("title", "", "task title (required)")
	priority := fs.String("priority", string(store.PriorityNormal), "priority: low|normal|high|critical")
	agent := fs.String("agent", "", "routing.agent")
	role := fs.String("role", "", "routing.role")
	team := fs.String("team", "", "routing.team")
	fs.Parse(args)

	if *project == "" || *title == "" {
		return fmt.Errorf("usage: taskflowctl create -project P -title T [-priority P] [-agent A | -role R | -team Tm]")
	}

	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}
	id := s.NextID(*project)
	t := store.NewTask(id, *project, *title, "", store.Priority(*priority), store.Routing{Agent: *agent, Role: *role, Team: *team})
	if err := s.Create(t); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdBlock(dataDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskflowctl block <task-id> [reason]")
	}
	reason := "blocked by operator"
	if len(args) > 1 {
		reason = args[1]
	}
	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}
	_, err = s.Block(args[0], reason)
	return err
}

func cmdUnblock(dataDir string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskflowctl unblock <task-id>")
	}
	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}
	_, err = s.Unblock(args[0])
	return err
}

func cmdCancel(dataDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: taskflowctl cancel <task-id> [reason]")
	}
	reason := "canceled by operator"
	if len(args) > 1 {
		reason = args[1]
	}
	s, err := store.Open(dataDir, nil)
	if err != nil {
		return err
	}
	_, err = s.Cancel(args[0], reason)
	return err
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: taskflowctl [-data-dir DIR] <command> [args]

commands:
  status                     report whether a daemon is running
  list [-project P] [-status S]
  show <task-id>
  create -project P -title T [-priority P] [-agent A|-role R|-team Tm]
  block <task-id> [reason]
  unblock <task-id>
  cancel <task-id> [reason]`)
}

func defaultDataDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd + "/.taskflow"
	}
	return ".taskflow"
}
