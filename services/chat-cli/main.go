package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teamchat/internal/client"
	"github.com/teamchat/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "chat-cli",
		Short: "Terminal client for the team chat (dev mode: X-Participant-Id auth)",
		RunE:  run,
	}
	root.Flags().String("config", "config/chat-cli.yaml", "config file")
	root.Flags().StringP("server", "s", "http://localhost:8080", "API base URL")
	root.Flags().StringP("participant", "p", "", "your participant id (required)")
	root.Flags().StringP("name", "n", "", "display name sent with channel messages")
	root.Flags().Duration("request-timeout", 5*time.Second, "history and send timeout")
	_ = viper.BindPFlag("server.url", root.Flags().Lookup("server"))
	_ = viper.BindPFlag("participant.id", root.Flags().Lookup("participant"))
	_ = viper.BindPFlag("participant.name", root.Flags().Lookup("name"))
	_ = viper.BindPFlag("request_timeout", root.Flags().Lookup("request-timeout"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("teamchat")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	path, _ := cmd.Flags().GetString("config")
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	if viper.GetString("participant.id") == "" {
		return errors.New("participant id required (--participant or TEAMCHAT_PARTICIPANT_ID)")
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	logger.SetPrefix("chat-cli")
	logger.SetLevel("error")

	self := viper.GetString("participant.id")
	baseURL := strings.TrimSuffix(viper.GetString("server.url"), "/")
	timeout := viper.GetDuration("request_timeout")

	header := http.Header{}
	header.Set("X-Participant-Id", self)

	conn := client.NewConn(client.ConnConfig{
		URL:    "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
		Header: header,
	})
	hist := client.NewHistoryClient(baseURL, header, timeout)
	dir := client.NewDirectoryClient(baseURL, header, timeout)
	if _, err := dir.Participants(cmd.Context()); err != nil {
		fmt.Printf("[WARN] roster unavailable, showing participant ids: %v\n", err)
	}
	ui := &terminal{self: self, dir: dir, shown: make(map[string]string)}
	sess := client.NewSession(self, conn, hist, client.SessionConfig{
		SelfName:       viper.GetString("participant.name"),
		RequestTimeout: timeout,
		OnUpdate:       ui.update,
	})
	ui.session = sess

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := conn.Connect(ctx, sess); err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("connected as %s. Commands: /people, /channels, /dm <id>, /channel <id>, /delete <message-id>, /retry <message-id>, /list, /quit\n", self)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		ui.prompt()
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return fmt.Errorf("disconnected: %v", conn.Err())
		case line, ok := <-lines:
			if !ok {
				return sess.Close(context.Background())
			}
			if quit := ui.handle(ctx, line); quit {
				return sess.Close(context.Background())
			}
		}
	}
}

// terminal печатает изменения кеша сессии. Сообщение узнаётся по (senderId, timestamp),
// чтобы подтверждение сервером не печатало его второй раз.
type terminal struct {
	self    string
	session *client.Session
	dir     *client.DirectoryClient

	mu    sync.Mutex
	shown map[string]string
}

func (t *terminal) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/dm":
		err = t.session.SelectDirect(ctx, arg)
	case "/channel":
		err = t.session.SelectConversation(ctx, arg)
	case "/delete":
		err = t.session.RequestDelete(ctx, arg)
	case "/retry":
		err = t.session.Retry(ctx, arg)
	case "/list":
		t.list()
	case "/people":
		err = t.people(ctx)
	case "/channels":
		err = t.channels(ctx)
	default:
		if strings.HasPrefix(cmd, "/") {
			err = fmt.Errorf("unknown command %s", cmd)
		} else {
			_, err = t.session.Send(ctx, line)
		}
	}
	if err != nil {
		fmt.Printf("\r[ERROR] %v\n", err)
	}
	return false
}

func (t *terminal) prompt() {
	_, active := t.session.State()
	fmt.Printf("%s> ", active)
}

func (t *terminal) update(conv string) {
	_, active := t.session.State()
	entries := t.session.MessagesOf(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		key := fmt.Sprintf("%s/%s/%d", conv, e.SenderID, e.Timestamp)
		line := t.format(e)
		if t.shown[key] == line {
			continue
		}
		t.shown[key] = line
		if conv != active {
			fmt.Printf("\r[%s] new message from %s\n", conv, e.SenderID)
			continue
		}
		fmt.Printf("\r%s\n", line)
	}
}

func (t *terminal) list() {
	for _, e := range t.session.Messages() {
		fmt.Printf("%s  (%s)\n", t.format(e), e.ID)
	}
}

// people печатает вкладку личных сообщений: все участники, кроме себя.
func (t *terminal) people(ctx context.Context) error {
	ps, err := t.dir.Participants(ctx)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if p.ID != t.self {
			fmt.Printf("  %-10s %s\n", p.ID, p.DisplayName)
		}
	}
	return nil
}

func (t *terminal) channels(ctx context.Context) error {
	cs, err := t.dir.Channels(ctx)
	if err != nil {
		return err
	}
	for _, c := range cs {
		fmt.Printf("  #%-10s %s\n", c.ID, c.Name)
	}
	return nil
}

// format: в личных сообщениях senderName нет, имя берётся из справочника.
func (t *terminal) format(e client.Entry) string {
	who := e.SenderName
	if who == "" {
		who = t.dir.DisplayName(e.SenderID)
	}
	if e.SenderID == t.self {
		who = "me"
	}
	ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
	line := fmt.Sprintf("[%s] %s: %s", ts, who, e.DisplayText())
	switch e.Status {
	case client.StatusPending:
		line += " …"
	case client.StatusFailed:
		line += fmt.Sprintf(" [not sent: /retry %s]", e.ID)
	}
	return line
}
