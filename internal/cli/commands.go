package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rentchat/internal/client"
	"rentchat/internal/config"
	"rentchat/internal/models"
	"rentchat/internal/socket"
	"rentchat/internal/store"
)

func newRegisterCmd(o *options) *cobra.Command {
	var req models.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and store its session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			resp, err := client.New(cfg.APIURL, "").Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := cfg.WriteToken(resp.Token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", resp.User.Email, resp.User.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Role, "role", "tenant", "admin, agent or tenant")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	cmd.MarkFlagRequired("first-name")
	return cmd
}

func newLoginCmd(o *options) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			resp, err := client.New(cfg.APIURL, "").Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := cfg.WriteToken(resp.Token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s %s\n", resp.User.FirstName, resp.User.LastName)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newConversationsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			if err := s.ctrl.LoadConversations(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range s.ctrl.State().Conversations {
				fmt.Fprintf(out, "%s  %-6s  %-24s  unread:%d  %s\n",
					c.ID, c.Type, conversationTitle(c), c.UnreadCount, c.LastMessage)
			}
			return nil
		},
	}
}

func newMessagesCmd(o *options) *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print a conversation's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			convID := args[0]
			if err := s.ctrl.LoadMessages(cmd.Context(), convID); err != nil {
				return err
			}
			hasMore := true
			for p := 2; p <= page && hasMore; p++ {
				if hasMore, err = s.ctrl.LoadOlderMessages(cmd.Context(), convID, p); err != nil {
					return err
				}
			}
			msgs, _ := s.ctrl.Store().Messages(convID)
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "pages", 1, "number of history pages to load")
	return cmd
}

func newSendCmd(o *options) *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			msg, err := s.ctrl.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "), replyTo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	return cmd
}

func newCreateCmd(o *options) *cobra.Command {
	var (
		participants []string
		title        string
		convType     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a direct or group conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			id, err := s.ctrl.CreateConversation(cmd.Context(), participants, title, convType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&participants, "participant", "p", nil, "participant user id (repeatable)")
	cmd.Flags().StringVar(&title, "title", "", "group title")
	cmd.Flags().StringVar(&convType, "type", models.ConversationDirect, "direct or group")
	return cmd
}

func newUsersCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users you can start a conversation with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			users, err := s.ctrl.AvailableUsers(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s %s  (%s)\n", u.ID, u.FirstName, u.LastName, u.Role)
			}
			return nil
		},
	}
}

func newReadCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <message-id>...",
		Short: "Mark messages as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(false)
			if err != nil {
				return err
			}
			return s.ctrl.MarkAsRead(cmd.Context(), args)
		},
	}
}

func newWatchCmd(o *options) *cobra.Command {
	var retry time.Duration
	cmd := &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow new messages live",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.newSession(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var only string
			if len(args) == 1 {
				only = args[0]
			}
			p := newPrinter(cmd.OutOrStdout(), only)
			unsubscribe := s.ctrl.Store().Subscribe(p.print)
			defer unsubscribe()

			if err := s.ctrl.Start(ctx, s.token); err != nil {
				return err
			}
			defer s.ctrl.Stop()
			if only != "" {
				if err := s.ctrl.LoadMessages(ctx, only); err != nil {
					return err
				}
			}

			ticker := time.NewTicker(retry)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if s.ctrl.State().SocketConnected {
						continue
					}
					if err := s.ctrl.Reconnect(s.token); err != nil && !errors.Is(err, socket.ErrAlreadyConnected) {
						fmt.Fprintf(cmd.ErrOrStderr(), "reconnect: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&retry, "retry", 3*time.Second, "how often to retry a dropped connection")
	return cmd
}

// printer writes each message once, plus connection changes.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	only      string
	printed   map[string]bool
	connected bool
}

func newPrinter(out io.Writer, only string) *printer {
	return &printer{out: out, only: only, printed: make(map[string]bool)}
}

func (p *printer) print(st store.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for convID, msgs := range st.Messages {
		if p.only != "" && convID != p.only {
			continue
		}
		for _, m := range msgs {
			if p.printed[m.ID] {
				continue
			}
			p.printed[m.ID] = true
			printMessage(p.out, m)
		}
	}

	if st.SocketConnected != p.connected {
		if st.SocketConnected {
			fmt.Fprintln(p.out, "-- connected")
		} else {
			fmt.Fprintln(p.out, "-- disconnected")
		}
		p.connected = st.SocketConnected
	}
}

func printMessage(out io.Writer, m models.Message) {
	reply := ""
	if m.ParentMessageID != "" {
		reply = " (reply to " + m.ParentMessageID + ")"
	}
	fmt.Fprintf(out, "[%s] %s %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, m.SenderID, m.Text, reply)
}

func conversationTitle(c models.Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, strings.TrimSpace(p.FirstName+" "+p.LastName))
	}
	return strings.Join(names, ", ")
}
