// Command omemod runs the OMEMO-encrypting XMPP bridge daemon.
//
// Usage:
//
//	omemod init                 Generate and publish identity material
//	omemod fingerprint          Print the local identity key fingerprint
//	omemod run                  Connect and bridge messages
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	client "omemod"
	"omemod/internal/config"
	"omemod/internal/omemo"
	"omemod/internal/store"
	"omemod/internal/xmpp"
	"omemod/internal/xmppws"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" description:"Path to YAML config file"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`

	Init        initCommand        `command:"init" description:"Generate and publish identity material"`
	Fingerprint fingerprintCommand `command:"fingerprint" description:"Print the local identity key fingerprint"`
	Run         runCommand         `command:"run" description:"Connect and bridge messages"`
}

type initCommand struct{}
type fingerprintCommand struct{}

type runCommand struct {
	Echo bool `long:"echo" description:"Reply to every decrypted message with its own text (smoke test)"`
}

var opts globalOpts

func main() {
	// Deployment secrets (OMEMOD_PASSWORD etc.) may live in a .env file.
	_ = godotenv.Load()

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if opts.Verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	} else if cfg.LogLevel == "warn" {
		level = slog.LevelWarn
	} else if cfg.LogLevel == "error" {
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// connect dials the server and assembles a client over the session.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*client.Client, *xmppws.Session, error) {
	pc, err := xmppws.DialPersistent(ctx, cfg.WebsocketURL, xmpp.Domain(cfg.JID))
	if err != nil {
		return nil, nil, err
	}
	session := xmppws.NewSession(pc)

	var copts []client.Option
	copts = append(copts, client.WithLogger(logger))
	if cfg.DataDir != "" {
		copts = append(copts, client.WithDataDir(cfg.DataDir))
	}
	copts = append(copts, client.WithEncryptionRequired(cfg.EncryptionOn()))

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = store.DefaultConfigDir()
	}
	registry, err := store.OpenRegistry(dataDir + "/registry.db")
	if err != nil {
		logger.Warn("device registry unavailable", "err", err)
	} else {
		copts = append(copts, client.WithRegistry(registry))
	}

	return client.NewClient(cfg.JID, session, copts...), session, nil
}

func (cmd *initCommand) Execute(args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, session, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	go session.Run(ctx)

	if err := c.Initialize(ctx); err != nil {
		return err
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("device id:   %d\n", c.DeviceID())
	fmt.Printf("fingerprint: %s\n", formatFingerprint(fp))
	return c.Shutdown()
}

func (cmd *fingerprintCommand) Execute(args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	dir := cfg.DataDir
	st := store.New(cfg.JID, store.NewFilePersister(dir))
	if err := st.Initialize(); err != nil {
		return err
	}
	identity, err := st.IdentityKeyPair()
	if err != nil {
		return err
	}
	fmt.Println(formatFingerprint(fmt.Sprintf("%x", identity.PublicBytes())))
	return nil
}

func (cmd *runCommand) Execute(args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, session, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	session.OnStanza(func(st *xmpp.Element) {
		handleStanza(ctx, c, st, cmd.Echo, logger)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if err := c.Initialize(ctx); err != nil {
		return err
	}
	for _, room := range cfg.Rooms {
		if err := c.JoinRoom(ctx, room, cfg.Nickname); err != nil {
			logger.Warn("joining room failed", "room", room, "err", err)
		}
	}
	logger.Info("daemon running", "jid", cfg.JID, "device", c.DeviceID())

	select {
	case <-ctx.Done():
		_ = c.Shutdown()
		return nil
	case err := <-runErr:
		_ = c.Shutdown()
		return err
	}
}

// handleStanza routes one inbound stanza: state updates first, then message
// decryption, then the reply hook.
func handleStanza(ctx context.Context, c *client.Client, st *xmpp.Element, echo bool, logger *slog.Logger) {
	c.HandleStanza(st)
	if st.Name() != "message" {
		return
	}

	res, err := c.Decrypt(ctx, st)
	if err != nil {
		// A stanza with no key for this device is routine multi-device
		// traffic, not a failure.
		if errors.Is(err, omemo.ErrAESFailure) {
			logger.Error("payload authentication failed", "from", st.Attr("from"), "err", err)
		} else if !errors.Is(err, omemo.ErrNotForUs) {
			logger.Warn("decryption failed", "from", st.Attr("from"), "err", err)
		}
		return
	}
	if res == nil || res.KeyTransport || len(res.Plaintext) == 0 {
		return
	}

	logger.Info("message", "from", res.SenderJID, "device", res.SenderDevice,
		"len", len(res.Plaintext))
	// Never echo our own reflected room messages; that would loop forever.
	if !echo || res.SenderJID == c.JID() {
		return
	}

	groupChat := st.Attr("type") == "groupchat"
	to := res.SenderJID
	if groupChat {
		to = xmpp.Bare(st.Attr("from"))
	}
	if err := c.Send(ctx, to, string(res.Plaintext), groupChat); err != nil {
		logger.Warn("echo reply failed", "to", to, "err", err)
	}
}

// formatFingerprint groups a hex fingerprint into 8-character blocks.
func formatFingerprint(fp string) string {
	var blocks []string
	for len(fp) > 8 {
		blocks = append(blocks, fp[:8])
		fp = fp[8:]
	}
	blocks = append(blocks, fp)
	return strings.Join(blocks, " ")
}
