package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sprayworks/foam_backend/syncclient"
	"github.com/sprayworks/foam_backend/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "foamsync",
	Short: "Sync an organization's jobs, customers and inventory with the foam backend",
	Long: `foamsync keeps a local copy of an organization in step with the backend.

Admins authenticate with a session token. Crews trade the organization name and
crew PIN for a capability token.

Settings are read from flags, FOAMSYNC_* environment variables and
~/.foamsync.yaml, in that order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.foamsync.yaml)")
	pf.String("server", "http://localhost:8080", "backend base URL")
	pf.String("org", "", "organization id (admin sessions)")
	pf.String("token", "", "admin session token")
	pf.String("username", "", "username the local cache is keyed by")
	pf.String("crew-org", "", "organization name for a crew session")
	pf.String("crew-pin", "", "crew PIN")
	pf.String("cache", defaultCachePath(), "sqlite file holding the last good snapshot")
	pf.String("log-file", "", "write logs to this file (rotated) instead of stderr")
	pf.String("log-level", "info", "log level")
	pf.Duration("timeout", 30*time.Second, "how long one-shot commands wait")

	for _, name := range []string{"server", "org", "token", "username", "crew-org", "crew-pin", "cache", "log-file", "log-level", "timeout"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(pullCmd, pushCmd, refreshCmd, watchCmd, completeCmd, settingsCmd, notifyCrewCmd)
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "foamsync-cache.db"
	}
	return filepath.Join(dir, "foamsync", "cache.db")
}

func initConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".foamsync")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FOAMSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		logger.SetLevel(lvl)
	}
	var out io.Writer = os.Stderr
	if path := viper.GetString("log-file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}
	logger.SetOutput(out)
	return logger
}

// client bundles what one command run needs.
type client struct {
	remote  *syncclient.HTTPRemote
	cache   *syncclient.Cache
	coord   *syncclient.Coordinator
	session syncclient.Session
	logger  *logrus.Logger
	cancel  context.CancelFunc
}

// connect resolves the session and starts a coordinator. Callers must call close.
func connect(ctx context.Context) (*client, error) {
	logger := newLogger()
	remote := syncclient.NewHTTPRemote(viper.GetString("server"), viper.GetString("token"), "")

	session := syncclient.Session{
		OrganizationId: viper.GetString("org"),
		Username:       viper.GetString("username"),
		Role:           utils.RoleAdmin,
	}
	if orgName := viper.GetString("crew-org"); orgName != "" {
		crew, err := remote.StartCrewSession(ctx, orgName, viper.GetString("crew-pin"))
		if err != nil {
			return nil, fmt.Errorf("crew sign-in: %w", err)
		}
		remote.Token = ""
		session.OrganizationId = crew.OrganizationId
		session.Role = utils.RoleCrew
		if session.Username == "" {
			session.Username = "crew:" + crew.OrganizationId
		}
	}
	if session.OrganizationId == "" {
		return nil, errors.New("--org or --crew-org is required")
	}
	if session.Username == "" {
		session.Username = session.OrganizationId
	}

	cache, err := syncclient.OpenCache(viper.GetString("cache"))
	if err != nil {
		logger.WithField("field", "foamsync").Warn("running without local cache: " + err.Error())
		cache = nil
	}

	coord := syncclient.NewCoordinator(remote, cache, logger, session)
	runCtx, cancel := context.WithCancel(context.Background())
	go coord.Run(runCtx)

	c := &client{remote: remote, cache: cache, coord: coord, session: session, logger: logger, cancel: cancel}
	if err := coord.Start(); err != nil {
		c.close()
		return nil, err
	}
	select {
	case <-coord.Ready():
	case <-ctx.Done():
		c.close()
		return nil, ctx.Err()
	}
	return c, nil
}

func (c *client) close() {
	c.cancel()
	if c.cache != nil {
		_ = c.cache.Close()
	}
}

func printNotice(n syncclient.Notice) {
	prefix := strings.ToUpper(string(n.Level))
	if n.Table != "" {
		fmt.Printf("[%s] %s (%s %s)\n", prefix, n.Message, n.Table, n.Id)
		return
	}
	fmt.Printf("[%s] %s\n", prefix, n.Message)
}

// drainNotices prints notices that are already queued.
func drainNotices(c *client) {
	for {
		select {
		case n := <-c.coord.Notices():
			printNotice(n)
		default:
			return
		}
	}
}
