package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gotd/td/session"
	"github.com/rs/zerolog/log"

	"tg-summary-bot/internal/adapters/mtproto"
	"tg-summary-bot/internal/adapters/repo"
	"tg-summary-bot/internal/infra/config"
	"tg-summary-bot/internal/infra/db"
)

func main() {
	var (
		filePath    string
		sessionName string
		output      string
	)
	flag.StringVar(&filePath, "file", "", "Путь к файлу MTProto-сессии (gotd JSON, Telethon)")
	flag.StringVar(&sessionName, "name", "", "Имя сессии в Postgres (по умолчанию MTPROTO_SESSION_NAME)")
	flag.StringVar(&output, "out", "", "Записать сессию в файл вместо Postgres")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("mtproto-importer: нужен путь к файлу сессии (-file)")
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось прочитать файл")
	}
	data, converted, err := mtproto.ImportSession(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: формат сессии не поддерживается")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось загрузить конфиг")
	}
	if sessionName == "" {
		sessionName = cfg.MTProto.SessionName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var storage session.Storage
	target := output
	switch {
	case output != "":
		storage = &session.FileStorage{Path: output}
	case cfg.PGDSN != "":
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("mtproto-importer: нет подключения к БД")
		}
		defer pool.Close()
		pg := repo.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("mtproto-importer: не удалось подготовить схему")
		}
		storage = &repo.SessionStorage{DB: pg, Name: sessionName}
		target = "postgres:" + sessionName
	default:
		log.Fatal().Msg("mtproto-importer: укажите -out или PG_DSN")
	}

	if err := storage.StoreSession(ctx, data); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: не удалось сохранить сессию")
	}
	if converted {
		fmt.Println("Сессия сконвертирована в формат gotd")
	}
	fmt.Printf("Сессия сохранена в %s (%d байт)\n", target, len(data))
}
