// Package cli implements the rentchat command line client.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"rentchat/internal/chatsync"
	"rentchat/internal/client"
	"rentchat/internal/config"
	"rentchat/internal/dedup"
	"rentchat/internal/socket"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the rentchat command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "rentchat",
		Short: "Chat with tenants, agents and admins from the terminal",
		Long: `rentchat talks to a rentchat server: it lists conversations, reads
and sends messages, and follows new messages live over the socket.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath != "" {
				return os.Setenv("RENTCHAT_CONFIG", opts.configPath)
			}
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default is $HOME/.rentchat/config.yaml)")

	rootCmd.AddCommand(
		newRegisterCmd(opts),
		newLoginCmd(opts),
		newConversationsCmd(opts),
		newMessagesCmd(opts),
		newSendCmd(opts),
		newCreateCmd(opts),
		newUsersCmd(opts),
		newReadCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) logger(prefix string) *log.Logger {
	if !o.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags|log.Lshortfile)
}

// session is an authenticated client plus the controller built on it.
type session struct {
	cfg   *config.ClientConfig
	token string
	api   *client.Client
	ctrl  *chatsync.Controller
}

// newSession loads the stored token. When live is set the controller gets
// a socket manager; otherwise it only reflects what it fetches and sends.
func (o *options) newSession(live bool) (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	token, err := cfg.ReadToken()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("not logged in, run `rentchat login` first")
	}

	api := client.New(cfg.APIURL, token)
	opts := []chatsync.Option{
		chatsync.WithLogger(o.logger("[SYNC] ")),
		chatsync.WithDeduplicator(dedup.New(cfg.DedupCapacity)),
	}
	if live {
		opts = append(opts, chatsync.WithRealtime(socket.NewManager(cfg.SocketURL, socket.WithLogger(o.logger("[SOCKET] ")))))
	}
	return &session{cfg: cfg, token: token, api: api, ctrl: chatsync.New(api, opts...)}, nil
}
