package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"

	"github.com/shin315/social-download-manager/src/configs"
	"github.com/shin315/social-download-manager/src/consts"
	"github.com/shin315/social-download-manager/src/database"
	"github.com/shin315/social-download-manager/src/log"
	"github.com/shin315/social-download-manager/src/migration"
)

var (
	app = kingpin.New("sdm-migrate", "Social-Download-Manager database migration tool.")

	conf            = app.Flag("config", "Config file path.").Short('c').String()
	dbPath          = app.Flag("db", "Database file path, overrides config.").String()
	backupDir       = app.Flag("backup-dir", "Backup directory, overrides config.").String()
	validationLevel = app.Flag("validation-level", "Validation level: basic, standard, comprehensive, paranoid.").String()
	checkOnly       = app.Flag("check", "Detect the schema version and exit without migrating.").Bool()
	jsonOutput      = app.Flag("json", "Print the result as JSON.").Bool()
	debug           = app.Flag("debug", "Enable debug logging.").Bool()
)

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *conf != "" {
		c, err := configs.NewConfigWithFile(*conf)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = configs.NewConfig()
	}
	if *dbPath != "" {
		config.Database.Path = *dbPath
	}
	if *backupDir != "" {
		config.Backup.Dir = *backupDir
	}
	if *validationLevel != "" {
		config.Migration.ValidationLevel = *validationLevel
	}
	if *debug {
		config.Debug = true
	}
	return config, config.Verify()
}

func main() {
	app.Version(consts.AppVersion)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	config, err := getConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(config)
	logger.Infof("%s migration tool %s", consts.AppName, consts.AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := database.Open(config.Database.Path, config.Database.BusyTimeoutMs)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer conn.Close()

	if *checkOnly {
		info := migration.NewVersionManager(conn).GetCurrentVersionInfo(ctx)
		printResult(info)
		if info.Version == migration.VersionUnknown {
			os.Exit(1)
		}
		return
	}

	engine := migration.NewEngine(conn, config)
	result, err := engine.Run(ctx)
	printResult(result)
	if err != nil {
		logger.WithError(err).Error("migration failed")
		os.Exit(1)
	}
	logger.Info(result.Message)
}

func printResult(v any) {
	if !*jsonOutput {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
