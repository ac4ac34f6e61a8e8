// linsight 工作进程入口
//
// 使用方法:
//
//	linsight serve                       # 启动 worker
//	linsight serve --config config.yaml  # 指定配置文件
//	linsight migrate up                  # 应用数据库迁移
//	linsight migrate down                # 回滚最后一次迁移
//	linsight migrate status              # 查看迁移状态
//	linsight version                     # 显示版本信息
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dataelem/linsight/config"
	"github.com/dataelem/linsight/store"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runMigrate dispatches the migrate subcommands.
func runMigrate(args []string) {
	sub := "up"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		sub = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	dialect := cfg.Database.Dialect

	switch sub {
	case "up":
		if err := migrateDatabase(db, dialect, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	case "down":
		if dialect == "sqlite" {
			logger.Fatal("sqlite uses auto-migration, nothing to roll back")
		}
		if err := store.MigrateDown(db, dialect, logger); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
	case "status":
		if dialect == "sqlite" {
			fmt.Println("sqlite: schema managed by auto-migration")
			return
		}
		version, dirty, ok, err := store.MigrationVersion(db, dialect)
		if err != nil {
			logger.Fatal("status failed", zap.Error(err))
		}
		if !ok {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Printf("version: %d dirty: %v\n", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("linsight %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`linsight - agent execution engine worker

Usage:
  linsight <command> [options]

Commands:
  serve     Start a worker process
  migrate   Database migration commands (up, down, status)
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  linsight serve
  linsight serve --config /etc/linsight/config.yaml
  linsight migrate up --config /etc/linsight/config.yaml
  linsight migrate status --config /etc/linsight/config.yaml`)
}

// 日志初始化
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbCfg.Dialect {
	case "mysql":
		dialector = mysql.Open(dbCfg.DSN)
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(dbCfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", dbCfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected", zap.String("dialect", dbCfg.Dialect))
	return db, nil
}

// migrateDatabase runs versioned SQL migrations for mysql/postgres and falls
// back to gorm AutoMigrate for sqlite, which has no migration set.
func migrateDatabase(db *gorm.DB, dialect string, logger *zap.Logger) error {
	if dialect == "sqlite" {
		return store.New(db, logger).AutoMigrate()
	}
	return store.Migrate(db, dialect, logger)
}
