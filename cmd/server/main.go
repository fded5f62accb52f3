package main

import (
	"chatcore/internal/backplane"
	"chatcore/internal/config"
	"chatcore/internal/db"
	clog "chatcore/internal/log"
	"chatcore/internal/server"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/store"
	"chatcore/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与 backplane 并启动 Gin 服务。
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var bus backplane.Bus
	if cfg.NATSURL != "" {
		nb, err := backplane.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		bus = nb
	} else {
		log.Info().Msg("no NATS_URL configured, using in-process backplane")
		bus = backplane.NewLoopback()
	}
	defer bus.Close()

	sessions := session.NewRegistry()
	hub := ws.NewHub(bus)

	members := store.NewMembershipStore(gdb)
	msgs := store.NewMessageStore(gdb)

	userSvc := service.NewUserService(gdb, cfg)
	roomSvc := service.NewRoomService(gdb, members, hub)
	msgSvc := service.NewMessageService(gdb, msgs, members, sessions, bus, cfg.MaxMessageLen, cfg.HistoryPageSize)

	h := server.NewHandler(userSvc, roomSvc, msgSvc)
	gw := ws.NewGateway(hub, gdb, cfg, sessions, roomSvc, msgSvc)

	r := server.SetupRouter(cfg, gdb, h, gw)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
