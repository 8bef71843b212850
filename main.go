package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/activitypub"
	"github.com/deemkeen/forumpub/db"
	"github.com/deemkeen/forumpub/jobs"
	"github.com/deemkeen/forumpub/util"
	"github.com/deemkeen/forumpub/web"
	"github.com/spf13/cobra"
)

var conf *util.AppConfig

// app holds the federation components wired over one database.
type app struct {
	db          *db.DB
	registry    *activitypub.Registry
	queue       *jobs.Queue
	transport   *activitypub.HTTPTransport
	tracker     *activitypub.FailureTracker
	builder     *activitypub.CollectionBuilder
	renderer    *activitypub.Renderer
	deliverer   *activitypub.Deliverer
	processor   *activitypub.Processor
	publisher   *activitypub.Publisher
	provisioner *activitypub.Provisioner
	inbox       *activitypub.Inbox
}

func newApp(conf *util.AppConfig, database *db.DB) *app {
	d := conf.Conf.Delivery
	a := &app{
		db:        database,
		registry:  activitypub.StandardRegistry(),
		queue:     jobs.NewQueue(database, d),
		transport: activitypub.NewHTTPTransport(d.Timeout()),
		tracker:   activitypub.NewFailureTracker(database, d.FailureThreshold, d.FailureCooldown()),
	}
	a.builder = activitypub.NewCollectionBuilder(database)
	a.renderer = activitypub.NewRenderer(database, a.builder)
	a.deliverer = activitypub.NewDeliverer(conf, database, a.transport, a.queue, a.tracker, a.renderer)
	a.processor = activitypub.NewProcessor(conf, a.registry, database, a.transport, a.queue, a.renderer)
	a.publisher = activitypub.NewPublisher(conf, a.registry, database, a.queue, a.transport)
	a.provisioner = activitypub.NewProvisioner(conf, a.registry, database)
	a.inbox = activitypub.NewInbox(conf, a.registry, database, a.queue, a.transport)

	a.queue.Register(activitypub.TaskProcessActivity, a.processor.HandleTask)
	a.queue.Register(activitypub.TaskDeliver, a.deliverer.HandleTask)
	a.queue.Register(activitypub.TaskTrackDelivery, a.tracker.HandleTask)
	return a
}

func openApp() (*app, error) {
	database, err := db.Open(conf.Conf.DatabasePath)
	if err != nil {
		return nil, err
	}
	return newApp(conf, database), nil
}

var rootCmd = &cobra.Command{
	Use:   util.Name,
	Short: "ActivityPub federation for forum categories, tags and users",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := util.ReadConf()
		if err != nil {
			return err
		}
		conf = c
		if level, err := log.ParseLevel(conf.Conf.LogLevel); err == nil {
			log.SetLevel(level)
		} else {
			log.Warn("Unknown log level, keeping default", "level", conf.Conf.LogLevel)
		}
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the federation endpoints and run background deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info("Starting", "version", util.GetNameAndVersion())
		log.Debug("Configuration", "conf", util.PrettyPrint(conf))

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if conf.Conf.WithAp {
			a.queue.Start(ctx)
		}

		server := web.NewServer(conf, a.db, a.renderer, a.builder, a.inbox)
		return web.Router(ctx, conf, server)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(conf.Conf.DatabasePath)
		if err != nil {
			return err
		}
		defer database.Close()
		log.Info("Database migrations complete", "path", conf.Conf.DatabasePath)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run every due background task once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.db.Close()
		n, err := a.queue.Drain(cmd.Context())
		log.Info("Drained task queue", "tasks", n)
		return err
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, drainCmd, deliveriesCmd, actorsCmd, followCmd, unfollowCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal("Command failed", "err", err)
	}
}
