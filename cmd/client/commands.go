package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"zerotrace/internal/config"
	"zerotrace/internal/model"
	"zerotrace/internal/repository/account"
	"zerotrace/internal/repository/cache"
	"zerotrace/internal/service/app"
	"zerotrace/internal/service/directory"
	"zerotrace/internal/service/session"
	"zerotrace/internal/service/syncer"
	"zerotrace/internal/utils/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type env struct {
	v        *viper.Viper
	cfg      *config.Config
	accounts *account.FileStore
	service  *session.Service
}

func newRootCmd() *cobra.Command {
	e := &env{v: config.New()}

	root := &cobra.Command{
		Use:           "zerotrace",
		Short:         "Post-quantum end-to-end encrypted messenger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./zerotrace.yaml or ~/.zerotrace/zerotrace.yaml)")
	flags.String("server", "", "directory server URL")
	flags.String("data-dir", "", "local data directory (default ~/.zerotrace)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = e.v.BindPFlag("client.server_url", flags.Lookup("server"))
	_ = e.v.BindPFlag("client.data_dir", flags.Lookup("data-dir"))
	_ = e.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		registerCmd(e),
		chatCmd(e),
		sendCmd(e),
		historyCmd(e),
		dialogsCmd(e),
		searchCmd(e),
	)
	return root
}

func (e *env) setup(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		e.v.SetConfigFile(path)
	}
	cfg, err := config.Load(e.v)
	if err != nil {
		return err
	}
	e.cfg = cfg

	accounts, err := account.NewFileStore(cfg.Client.DataDir)
	if err != nil {
		return err
	}
	e.accounts = accounts

	// The chat UI owns the terminal, so logs go to a file.
	logPath := filepath.Join(cfg.Client.DataDir, "client.log")
	if err := log.Init(cfg.Log.Level, cfg.Log.Development, logPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	client, err := directory.NewClient(cfg.Client.ServerURL, cfg.Client.RequestTimeout)
	if err != nil {
		return err
	}
	e.service = session.NewService(client, accounts)
	return nil
}

func (e *env) login(username string) (*session.Session, error) {
	password, err := readPassword(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return nil, err
	}
	sess, err := e.service.Login(username, password)
	if errors.Is(err, model.ErrWrongPassword) {
		return nil, errors.New("wrong password")
	}
	return sess, err
}

func registerCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create an identity and publish it to the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}
			if password == "" {
				return errors.New("password cannot be empty")
			}

			sess, err := e.service.Register(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\nKEM public key: %s\n", sess.Username(), sess.PublicKey())
			return nil
		},
	}
}

func chatCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <username>",
		Short: "Open the interactive chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := e.login(args[0])
			if err != nil {
				return err
			}

			path, err := e.accounts.CachePath(sess.Username())
			if err != nil {
				return err
			}
			store, err := cache.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ui := app.NewApp(sess)
			eng := sess.NewSync(store, ui, syncer.Options{
				IngestInterval:  e.cfg.Sync.IngestInterval,
				PresentInterval: e.cfg.Sync.PresentInterval,
			})
			ui.Bind(eng)

			if err := eng.Start(ctx); err != nil {
				return err
			}
			defer eng.Stop()
			go sess.Watch(ctx, eng)

			err = ui.Run(ctx)
			stop()
			eng.Stop()
			if err != nil {
				log.Error("ui exited", zap.Error(err))
			}
			return err
		},
	}
}

func sendCmd(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <username> <peer> [message]",
		Short: "Send one message without opening the chat",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				payload []byte
				msgType = model.MessageText
			)
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				payload, msgType = data, model.MessageFile
			case len(args) == 3:
				payload = []byte(args[2])
			default:
				return errors.New("nothing to send: pass a message or --file")
			}

			sess, err := e.login(args[0])
			if err != nil {
				return err
			}
			sent, err := sess.Send(cmd.Context(), args[1], payload, msgType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", sent.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "send the contents of a file")
	return cmd
}

func historyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "history <username> <peer>",
		Short: "Print the full history of a dialog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := e.login(args[0])
			if err != nil {
				return err
			}
			hash, err := sess.DialogWith(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			msgs, err := sess.History(cmd.Context(), hash)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, m := range msgs {
				ts := time.Unix(0, int64(m.Timestamp*1e9)).Format(time.DateTime)
				sender := m.SenderUsername
				if sender == "" {
					sender = "?"
				}
				body := string(m.Data)
				if m.MsgType != model.MessageText {
					body = fmt.Sprintf("<%s, %d bytes>", m.MsgType, len(m.Data))
				}
				mark := ""
				if !m.Verified {
					mark = " (unverified)"
				}
				fmt.Fprintf(out, "%s %s%s: %s\n", ts, sender, mark, body)
			}
			return nil
		},
	}
}

func dialogsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "dialogs <username>",
		Short: "List your dialogs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := e.login(args[0])
			if err != nil {
				return err
			}
			dialogs, err := sess.Dialogs(cmd.Context())
			if err != nil {
				return err
			}
			for _, d := range dialogs {
				name := d.Username
				if name == "" {
					name = "<unregistered " + d.PublicKey[:min(16, len(d.PublicKey))] + ">"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, d.Hash)
			}
			return nil
		},
	}
}

func searchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "search <username> <prefix>",
		Short: "Find registered users by name prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := e.login(args[0])
			if err != nil {
				return err
			}
			users, err := sess.Search(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintln(cmd.OutOrStdout(), u.Username)
			}
			return nil
		},
	}
}

// readPassword prompts on the terminal without echo. When stdin is not a
// terminal it reads one line.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var stdin = bufio.NewReader(os.Stdin)
