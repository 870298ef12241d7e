// migrate 对配置的数据库执行表结构迁移后退出。
package main

import (
	"fmt"
	"os"

	"lnemail/backend/internal/config"
	sqlstore "lnemail/backend/internal/storage/sql"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "database.type and database.dsn must be configured")
		os.Exit(1)
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type, cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.AutoMigrate(); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("database schema is up to date")
}
