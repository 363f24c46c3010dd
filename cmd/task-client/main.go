package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"task-sync/client"
	"task-sync/config"
	"task-sync/domain"
)

const usage = `commands:
  ls [todo|progress|done]   list tasks, newest first
  add <title> [| <email>]   create a task
  start <id>                move a task to In Progress
  done <id>                 complete a task
  todo <id>                 move a task back to To Do
  rename <id> <title>       change the title
  rm <id>                   delete a task
  status                    show the connection state
  reconnect                 drop the connection and connect again
  quit`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	dialers := make([]client.Dialer, 0, len(cfg.Transports))
	for _, name := range cfg.Transports {
		switch name {
		case "websocket":
			dialers = append(dialers, client.WebSocketDialer{BaseURL: cfg.ServerURL, Token: cfg.Token})
		case "polling":
			dialers = append(dialers, client.PollingDialer{BaseURL: cfg.ServerURL, Token: cfg.Token})
		}
	}

	syncer := client.New(client.Options{
		Dialer:            client.FallbackDialer{Dialers: dialers},
		API:               &client.RESTClient{BaseURL: cfg.ServerURL, Token: cfg.Token},
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
		MaxAttempts:       cfg.MaxAttempts,
		ConnectTimeout:    cfg.ConnectTimeout,
		Logger:            logger,
		OnChange:          statusPrinter(logger),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("synchronizer stopped")
		}
	}()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "quit" {
				stop()
				<-done
				return
			}
			if err := execute(ctx, syncer, os.Stdout, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

// statusPrinter logs connectivity transitions only; view changes are
// visible through ls.
func statusPrinter(logger *log.Logger) func(client.Status) {
	var last client.State = -1
	return func(st client.Status) {
		if st.State == last {
			return
		}
		last = st.State
		entry := logger.WithFields(log.Fields{"state": st.State.String(), "transport": st.Transport})
		if st.Err != nil {
			entry = entry.WithError(st.Err).WithField("attempt", st.Attempt)
		}
		entry.Info("connection")
	}
}

func execute(ctx context.Context, s *client.Synchronizer, w io.Writer, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "":
		return nil
	case "ls":
		filter, err := statusFilter(rest)
		if err != nil {
			return err
		}
		printTasks(w, s.Tasks(filter))
		return nil
	case "add":
		title, email, _ := strings.Cut(rest, "|")
		t, err := s.Create(ctx, domain.NewTask{Title: strings.TrimSpace(title), OwnerEmail: strings.TrimSpace(email)})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "created %s\n", t.ID)
		return nil
	case "start", "done", "todo":
		status := map[string]domain.Status{
			"start": domain.StatusInProgress,
			"done":  domain.StatusCompleted,
			"todo":  domain.StatusToDo,
		}[cmd]
		_, err := s.Update(ctx, rest, domain.TaskPatch{Status: &status})
		return err
	case "rename":
		id, title, ok := strings.Cut(rest, " ")
		if !ok {
			return errors.New("usage: rename <id> <title>")
		}
		title = strings.TrimSpace(title)
		_, err := s.Update(ctx, id, domain.TaskPatch{Title: &title})
		return err
	case "rm":
		return s.Delete(ctx, rest)
	case "status":
		fmt.Fprintln(w, s.Status())
		return nil
	case "reconnect":
		s.Reconnect()
		return nil
	case "help":
		fmt.Fprintln(w, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func statusFilter(arg string) (domain.Status, error) {
	switch arg {
	case "", "all":
		return "", nil
	case "todo":
		return domain.StatusToDo, nil
	case "progress":
		return domain.StatusInProgress, nil
	case "done":
		return domain.StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown filter %q", arg)
}

func printTasks(w io.Writer, tasks []domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tOWNER")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Title, t.OwnerEmail)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d task(s)\n", len(tasks))
}
