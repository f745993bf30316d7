package main

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roomdrop/internal/app"
	"roomdrop/internal/domain"
	"roomdrop/internal/server"
	"roomdrop/internal/target"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := app.NewViper()
	var configFile string
	root := &cobra.Command{
		Use:           "roomdrop",
		Short:         "Resumable file drops between users and code-joinable rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", configFile)
				}
			}
			return app.SetupLogging(cmd.ErrOrStderr(), v.GetString(app.KeyLogLevel), v.GetString(app.KeyLogFormat))
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String(app.KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String(app.KeyLogFormat, "text", "log format (text or json)")
	if err := v.BindPFlags(root.PersistentFlags()); err != nil {
		panic(errors.Wrap(err, "bind persistent flags"))
	}

	root.AddCommand(
		newServeCmd(v),
		newSendCmd(v),
		newFetchCmd(v),
		newMessageCmd(v),
		newRoomCmd(v),
		newTokenCmd(v),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadServerConfig(v)
			if err != nil {
				return err
			}
			handle, err := app.RunServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return handle.Wait()
		},
	}
	f := cmd.Flags()
	f.String(app.KeyAddr, ":8080", "listen address")
	f.String(app.KeyDataDir, app.DefaultDataDir(), "directory for the database and stored files")
	f.String(app.KeyDB, "", "SQLite database path (default <data-dir>/roomdrop.db)")
	f.String(app.KeyStore, app.StoreSQLite, "storage backend (sqlite or memory)")
	f.String(app.KeyIdentitySecret, "", "HMAC secret; when set the identity header must be a signed token")
	f.Duration(app.KeyChunkReadTimeout, server.DefaultChunkReadTimeout, "maximum time to receive one chunk body")
	f.Duration(app.KeyUploadTTL, 0, "age after which unfinished uploads are discarded")
	f.Duration(app.KeyUploadSweep, 0, "interval between upload sweeps")
	f.Duration(app.KeyRoomSweep, 0, "interval between expired room sweeps")
	f.Int64(app.KeyMaxFileSize, 0, "largest accepted file in bytes")
	f.Int(app.KeyRateLimit, 600, "API requests per caller per minute (0 disables)")
	bindChanged(cmd, v, app.KeyAddr, app.KeyDataDir, app.KeyDB, app.KeyStore, app.KeyIdentitySecret,
		app.KeyChunkReadTimeout, app.KeyUploadTTL, app.KeyUploadSweep, app.KeyRoomSweep,
		app.KeyMaxFileSize, app.KeyRateLimit)
	return cmd
}

// bindChanged copies explicitly set flags into v before the command runs.
// Several commands share flag names, so BindPFlag would let whichever
// command registered last win.
func bindChanged(cmd *cobra.Command, v *viper.Viper, keys ...string) {
	prev := cmd.PreRunE
	cmd.PreRunE = func(c *cobra.Command, args []string) error {
		for _, key := range keys {
			if fl := c.Flags().Lookup(key); fl != nil && fl.Changed {
				v.Set(key, fl.Value.String())
			}
		}
		if prev != nil {
			return prev(c, args)
		}
		return nil
	}
}

func addClientFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String(app.KeyServer, "http://localhost:8080", "server base URL")
	f.String(app.KeyUser, "", "your user id, or a signed token")
	f.Int(app.KeyConcurrency, 3, "chunks in flight (1-3)")
	f.Int(app.KeyChunkRate, 0, "maximum chunks started per second (0 = unpaced)")
	bindChanged(cmd, v, app.KeyServer, app.KeyUser, app.KeyConcurrency, app.KeyChunkRate)
}

func addTargetFlags(cmd *cobra.Command, d *target.Descriptor) {
	cmd.Flags().StringVar(&d.RecipientID, "to", "", "recipient user id")
	cmd.Flags().StringVar(&d.RoomID, "room", "", "room id")
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	var d target.Descriptor
	cmd := &cobra.Command{
		Use:   "send FILE",
		Short: "Upload a file to a user (--to) or a room (--room)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			return app.RunSend(cmd.Context(), cfg, d, args[0], cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, v)
	addTargetFlags(cmd, &d)
	return cmd
}

func newFetchCmd(v *viper.Viper) *cobra.Command {
	var (
		d   target.Descriptor
		dir string
	)
	cmd := &cobra.Command{
		Use:   "fetch NAME",
		Short: "Download a stored file from a conversation (--to) or a room (--room)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			return app.RunFetch(cmd.Context(), cfg, d, args[0], dir, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, v)
	addTargetFlags(cmd, &d)
	cmd.Flags().StringVarP(&dir, "output", "o", ".", "directory to save into")
	return cmd
}

func newMessageCmd(v *viper.Viper) *cobra.Command {
	var d target.Descriptor
	cmd := &cobra.Command{
		Use:   "message TEXT",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			if err := d.Validate(); err != nil {
				return err
			}
			msg, err := app.NewClient(cfg).SendMessage(cmd.Context(), d, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %s\n", msg.ID, msg.Timestamp.Format("15:04:05"))
			return nil
		},
	}
	addClientFlags(cmd, v)
	addTargetFlags(cmd, &d)
	return cmd
}

func newRoomCmd(v *viper.Viper) *cobra.Command {
	room := &cobra.Command{Use: "room", Short: "Create or join rooms"}

	var (
		permanent bool
		ttlHours  int
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a room and print its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			r, err := app.NewClient(cfg).CreateRoom(cmd.Context(), args[0], permanent, ttlHours)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room %s created, join code %s\n", r.ID, r.Code)
			return nil
		},
	}
	addClientFlags(create, v)
	create.Flags().BoolVar(&permanent, "permanent", false, "never expire")
	create.Flags().IntVar(&ttlHours, "ttl", 0, "hours until the room expires (default 24)")

	join := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a room by its six digit code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(v)
			if err != nil {
				return err
			}
			r, err := app.NewClient(cfg).JoinRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s), %d participants\n", r.Name, r.ID, len(r.Participants))
			return nil
		},
	}
	addClientFlags(join, v)

	room.AddCommand(create, join)
	return room
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token USER",
		Short: "Print a signed identity token for USER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.CheckUserID(args[0]); err != nil {
				return err
			}
			signer := server.NewSigner(v.GetString(app.KeyIdentitySecret))
			if signer == nil {
				return errors.New("identity secret is required (--identity-secret or ROOMDROP_IDENTITY_SECRET)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), signer.Sign(args[0]))
			return nil
		},
	}
	cmd.Flags().String(app.KeyIdentitySecret, "", "HMAC secret shared with the server")
	bindChanged(cmd, v, app.KeyIdentitySecret)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roomdrop %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
