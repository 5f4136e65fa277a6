package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"fundengine/cmd/engine"
	"fundengine/src/database"
	"fundengine/src/sandbox"
)

var Version string

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logrus.SetLevel(level)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()

	app := cli.NewApp()
	app.Name = "fundengine"
	app.Usage = "Autonomous trading fund engine"
	app.Version = Version

	app.Commands = []cli.Command{
		runCMD,
		validateCMD,
		reconcileCMD,
		analyzeCMD,
		migrateCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the engine",
		Action:      runAction,
		Description: `Reconcile, then run the strategy, monitor, candidate and reconcile loops and serve the operator API`,
	}
	validateCMD = cli.Command{
		Name:      "validate",
		Usage:     "statically validate a module file",
		Action:    validateAction,
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "tier", Value: string(sandbox.TierStrategy), Usage: "strategy or analysis"},
		},
		Description: `Print the sandbox verdict for a module; exits non-zero when it is rejected`,
	}
	reconcileCMD = cli.Command{
		Name:        "reconcile",
		Usage:       "run one reconciliation pass",
		Action:      reconcileAction,
		Description: `Recover reservations, verify the ledger and print the report`,
	}
	analyzeCMD = cli.Command{
		Name:        "analyze",
		Usage:       "run the deployed analysis module once",
		Action:      analyzeAction,
		Description: `Run the analysis module against the read-only database and print its report`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "migrate the database schema",
		Action:      migrateAction,
		Description: `Apply schema and data migrations to the main database`,
	}
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAction(_ *cli.Context) error {
	logrus.WithField("cmd", "run").Info("Starting engine")

	e := &engine.Engine{}
	if err := e.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func validateAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("validate needs a module file", 2)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	verdict := sandbox.Validate(src, sandbox.Tier(strings.ToLower(c.String("tier"))))
	if err := printJSON(verdict); err != nil {
		return err
	}
	if !verdict.Accepted() {
		return cli.NewExitError(fmt.Sprintf("%s rejected with %d violation(s)", path, len(verdict.Violations)), 1)
	}
	return nil
}

func reconcileAction(_ *cli.Context) error {
	app, release, err := engine.Open()
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := cliContext()
	defer stop()

	rep, err := app.Reconciler.Startup(ctx)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func analyzeAction(_ *cli.Context) error {
	app, release, err := engine.Open()
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := cliContext()
	defer stop()

	out, err := app.Analyst.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func migrateAction(_ *cli.Context) error {
	logrus.WithField("cmd", "migrate").Info("Migrating database")
	// InitMainDB runs every migration on connect.
	return database.InitMainDB()
}
